package main

import (
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/cachemux"
	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/log"
	logruslog "github.com/unkn0wn-root/cachemux/log/logrus"
	sloglog "github.com/unkn0wn-root/cachemux/log/slog"
	zaplog "github.com/unkn0wn-root/cachemux/log/zap"
)

func main() {
	if err := run(os.Args, os.Stdout, os.Stderr); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			fmt.Fprintln(os.Stderr, ec.Error())
			os.Exit(ec.ExitCode())
		}
		stdlog.Fatal(err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	app := cli.App{
		Name:      "cachectl",
		Usage:     "inspect and maintain cachemux caches",
		Writer:    stdout,
		ErrWriter: stderr,
		// exit codes are applied in main so run stays testable
		ExitErrHandler: func(*cli.Context, error) {},
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "backend kind (file, shm, ristretto, memcache, redis, bolt, or \"fastest\")",
			Value:   string(cachemux.DefaultKind),
			EnvVars: []string{"CACHEMUX_BACKEND"},
		},
		&cli.StringFlag{
			Name:    "dir",
			Usage:   "root directory; the file and bolt backends use its file/ and bolt/ subdirectories",
			EnvVars: []string{"CACHEMUX_DIR"},
		},
		&cli.StringFlag{
			Name:    "file-type",
			Usage:   "file backend record format: json, binary or code",
			Value:   "json",
			EnvVars: []string{"CACHEMUX_FILE_TYPE"},
		},
		&cli.StringFlag{
			Name:    "prefix",
			Usage:   "key prefix / namespace",
			EnvVars: []string{"CACHEMUX_PREFIX"},
		},
		&cli.DurationFlag{
			Name:    "default-ttl",
			Usage:   "TTL applied when none is given",
			EnvVars: []string{"CACHEMUX_DEFAULT_TTL"},
		},
		&cli.StringFlag{
			Name:    "host",
			Usage:   "server host for memcache and redis",
			EnvVars: []string{"CACHEMUX_HOST"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "server port for memcache and redis",
			EnvVars: []string{"CACHEMUX_PORT"},
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "redis password",
			EnvVars: []string{"CACHEMUX_REDIS_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "warn",
			EnvVars: []string{"CACHEMUX_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "json (zap), text (logrus) or slog",
			Value:   "json",
			EnvVars: []string{"CACHEMUX_LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		backendsCmd,
		getCmd,
		setCmd,
		delCmd,
		listCmd,
		purgeCmd,
		gcCmd,
		flushCmd,
		sweepCmd,
	}

	return app.Run(args)
}

func newLogger(cctx *cli.Context) (log.Logger, func(), error) {
	level := strings.ToLower(cctx.String("log-level"))
	switch cctx.String("log-format") {
	case "json":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, err
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		cfg.OutputPaths = []string{"stderr"}
		zl, err := cfg.Build()
		if err != nil {
			return nil, nil, err
		}
		return zaplog.New(zl), func() { _ = zl.Sync() }, nil
	case "text":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nil, err
		}
		l := logrus.New()
		l.SetOutput(cctx.App.ErrWriter)
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return logruslog.New(l), func() {}, nil
	case "slog":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, err
		}
		h := slog.NewTextHandler(cctx.App.ErrWriter, &slog.HandlerOptions{Level: lvl})
		return sloglog.Logger{L: slog.New(h)}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cctx.String("log-format"))
	}
}

// config builds the backend config shared by every kind from global flags.
func config(cctx *cli.Context) backend.Config {
	return backend.Config{
		Prefix:     cctx.String("prefix"),
		DefaultTTL: cctx.Duration("default-ttl"),
		Dir:        cctx.String("dir"),
		FileType:   cctx.String("file-type"),
		Host:       cctx.String("host"),
		Port:       cctx.Int("port"),
		Password:   cctx.String("password"),
	}
}

// openManager builds a manager from global flags and resolves the selected
// backend. The returned cleanup closes both.
func openManager(cctx *cli.Context, hooks cachemux.Hooks, gcEvery time.Duration) (*cachemux.Manager, func(), error) {
	lg, syncLog, err := newLogger(cctx)
	if err != nil {
		return nil, nil, err
	}
	cfg := config(cctx)
	cfgs := make(map[cachemux.Kind]backend.Config)
	for _, r := range cachemux.DefaultRegistrations() {
		cfgs[r.Kind] = cfg
	}
	if cfg.Dir != "" {
		// file DeleteAll removes its whole directory, so the two on-disk
		// backends get sibling directories
		fc, bc := cfg, cfg
		fc.Dir = filepath.Join(cfg.Dir, "file")
		bc.Dir = filepath.Join(cfg.Dir, "bolt")
		cfgs[cachemux.KindFile] = fc
		cfgs[cachemux.KindBolt] = bc
	}
	m, err := cachemux.New(cachemux.Options{
		Configs:    cfgs,
		Logger:     lg,
		Hooks:      hooks,
		GCInterval: gcEvery,
	})
	if err != nil {
		syncLog()
		return nil, nil, err
	}
	cleanup := func() {
		_ = m.Close(cctx.Context)
		syncLog()
	}

	kind := cachemux.Kind(cctx.String("backend"))
	if kind == "fastest" {
		kind, err = m.UseFastest(cctx.Context)
	} else {
		err = m.SetDefault(kind)
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	lg.Debug("backend selected", log.Fields{"kind": kind})
	return m, cleanup, nil
}
