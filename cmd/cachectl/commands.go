package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	cli "github.com/urfave/cli/v2"

	"github.com/unkn0wn-root/cachemux"
)

var backendsCmd = &cli.Command{
	Name:  "backends",
	Usage: "probe every backend and show rank, availability and the default",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table"},
	},
	Action: func(cctx *cli.Context) error {
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()

		st := m.Status(cctx.Context)
		out := cctx.App.Writer
		if cctx.Bool("json") {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tRANK\tAVAILABLE\tDEFAULT")
		for _, s := range st {
			fmt.Fprintf(tw, "%s\t%d\t%v\t%v\n", s.Kind, s.Rank, s.Available, s.Default)
		}
		return tw.Flush()
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "print the value stored under a key",
	ArgsUsage: "<key>",
	Action: func(cctx *cli.Context) error {
		key := cctx.Args().First()
		if key == "" {
			return cli.Exit("need to provide a key", 2)
		}
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()

		v, ok, err := m.Load(cctx.Context, key)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit(fmt.Sprintf("%s: not found", key), 1)
		}
		_, err = cctx.App.Writer.Write(v)
		return err
	},
}

var setCmd = &cli.Command{
	Name:      "set",
	Usage:     "store a value (from the argument, or stdin when omitted)",
	ArgsUsage: "<key> [value]",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "ttl", Usage: "entry TTL; 0 uses the default"},
		&cli.BoolFlag{Name: "no-expiry", Usage: "store without expiry"},
	},
	Action: func(cctx *cli.Context) error {
		key := cctx.Args().Get(0)
		if key == "" {
			return cli.Exit("need to provide a key", 2)
		}
		var value []byte
		if cctx.Args().Len() > 1 {
			value = []byte(cctx.Args().Get(1))
		} else {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			value = b
		}
		ttl := cctx.Duration("ttl")
		if cctx.Bool("no-expiry") {
			ttl = cachemux.NoExpiry
		}

		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()
		return m.Save(cctx.Context, key, value, ttl)
	},
}

var delCmd = &cli.Command{
	Name:      "del",
	Usage:     "delete a key",
	ArgsUsage: "<key>",
	Action: func(cctx *cli.Context) error {
		key := cctx.Args().First()
		if key == "" {
			return cli.Exit("need to provide a key", 2)
		}
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()

		ok, err := m.Delete(cctx.Context, key)
		if err != nil {
			return err
		}
		if !ok {
			return cli.Exit(fmt.Sprintf("%s: not found", key), 1)
		}
		return nil
	},
}

// patternFlags select a Pattern; with none set, All is used.
var patternFlags = []cli.Flag{
	&cli.StringFlag{Name: "contains", Usage: "only keys containing this substring"},
	&cli.BoolFlag{Name: "expired", Usage: "only expired entries"},
}

func patternFrom(cctx *cli.Context) (cachemux.Pattern, error) {
	sub, hasSub := cctx.String("contains"), cctx.IsSet("contains")
	switch {
	case hasSub && cctx.Bool("expired"):
		return cachemux.Pattern{}, cli.Exit("--contains and --expired are exclusive", 2)
	case hasSub:
		return cachemux.KeyContains(sub), nil
	case cctx.Bool("expired"):
		return cachemux.Expired(), nil
	default:
		return cachemux.All(), nil
	}
}

var listCmd = &cli.Command{
	Name:  "list",
	Usage: "list live entries",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{Name: "values", Usage: "print values next to keys"},
	}, patternFlags...),
	Action: func(cctx *cli.Context) error {
		p, err := patternFrom(cctx)
		if err != nil {
			return err
		}
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()

		got, err := m.LoadMany(cctx.Context, p)
		if errors.Is(err, cachemux.ErrUnsupported) {
			return cli.Exit(fmt.Sprintf("backend %s cannot enumerate keys", m.Default()), 3)
		}
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(got))
		for k := range got {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if cctx.Bool("values") {
				fmt.Fprintf(cctx.App.Writer, "%s\t%s\n", k, got[k])
			} else {
				fmt.Fprintln(cctx.App.Writer, k)
			}
		}
		return nil
	},
}

var purgeCmd = &cli.Command{
	Name:  "purge",
	Usage: "delete entries by pattern (all unless --contains or --expired)",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{Name: "all", Usage: "required to delete every entry"},
	}, patternFlags...),
	Action: func(cctx *cli.Context) error {
		p, err := patternFrom(cctx)
		if err != nil {
			return err
		}
		if p.IsAll() && !cctx.Bool("all") {
			return cli.Exit("refusing to delete everything without --all", 2)
		}
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()

		err = m.DeleteMany(cctx.Context, p)
		if errors.Is(err, cachemux.ErrUnsupported) {
			return cli.Exit(fmt.Sprintf("backend %s cannot delete by pattern", m.Default()), 3)
		}
		return err
	},
}

var gcCmd = &cli.Command{
	Name:  "gc",
	Usage: "remove expired entries once",
	Action: func(cctx *cli.Context) error {
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()
		return m.GC(cctx.Context)
	},
}

var flushCmd = &cli.Command{
	Name:  "flush",
	Usage: "wipe the backend's whole keyspace",
	Action: func(cctx *cli.Context) error {
		m, cleanup, err := openManager(cctx, nil, 0)
		if err != nil {
			return err
		}
		defer cleanup()

		err = m.DeleteAll(cctx.Context)
		if errors.Is(err, cachemux.ErrUnsupported) {
			return cli.Exit(fmt.Sprintf("backend %s cannot be flushed", m.Default()), 3)
		}
		return err
	},
}
