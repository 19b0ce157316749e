package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v2"

	"github.com/unkn0wn-root/cachemux/hooks"
	asynchook "github.com/unkn0wn-root/cachemux/hooks/async"
	promhooks "github.com/unkn0wn-root/cachemux/hooks/prom"
	sloghooks "github.com/unkn0wn-root/cachemux/hooks/slog"
)

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "run GC on a cron schedule until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "schedule",
			Usage:   "cron spec or descriptor, e.g. \"@every 5m\" or \"*/10 * * * *\"",
			Value:   "@every 5m",
			EnvVars: []string{"CACHEMUX_SWEEP_SCHEDULE"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "serve Prometheus metrics on this address (e.g. :9108)",
			EnvVars: []string{"CACHEMUX_METRICS_LISTEN"},
		},
		&cli.BoolFlag{
			Name:  "log-events",
			Usage: "log purge and backend events to stderr",
		},
		&cli.BoolFlag{
			Name:  "now",
			Usage: "run one sweep immediately before scheduling",
		},
	},
	Action: sweep,
}

func sweep(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hs hooks.Multi
	reg := prometheus.NewRegistry()
	listen := cctx.String("metrics-listen")
	if listen != "" {
		reg.MustRegister(collectors.NewGoCollector())
		hs = append(hs, promhooks.New(reg))
	}
	if cctx.Bool("log-events") {
		hs = append(hs, eventLogger(cctx.App.ErrWriter))
	}
	ah := asynchook.New(hs, 1, 1024)
	defer ah.Close()

	m, cleanup, err := openManager(cctx, ah, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	// resolve now so a dead backend fails the command instead of every tick
	if _, err := m.GetBackend(ctx, m.Default()); err != nil {
		return err
	}

	runGC := func() {
		if err := m.GC(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(cctx.App.ErrWriter, "sweep %s: %v\n", m.Default(), err)
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(cctx.String("schedule"), runGC); err != nil {
		return cli.Exit("bad --schedule: "+err.Error(), 2)
	}
	if cctx.Bool("now") {
		runGC()
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	errCh := make(chan error, 1)
	var srv *http.Server
	if listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return err
}

// eventLogger writes every cache event to w. Purges and misses are logged at
// debug, so the handler level is lowered to match.
func eventLogger(w io.Writer) hooks.Hooks {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return sloghooks.New(slog.New(h), sloghooks.Options{})
}
