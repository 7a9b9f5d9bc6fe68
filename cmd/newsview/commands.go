package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"newsview/internal/fixture"
)

const metricsPath = "/metrics"

// Globals are the flags shared by every command.
type Globals struct {
	Config string `help:"Path to the YAML config file." env:"NEWSVIEW_CONFIG_FILE" default:"config/newsview.yaml" type:"path"`
}

// CLI is the top-level command structure for newsview.
type CLI struct {
	Globals

	Version      kong.VersionFlag `help:"Show version." short:"V"`
	Bind         BindCmd          `cmd:"" help:"Seed a store from a fixture, bind its view, and print the cached items."`
	Replay       ReplayCmd        `cmd:"" help:"Bind a fixture view and replay its change script."`
	ServeMetrics ServeMetricsCmd  `cmd:"" name:"serve-metrics" help:"Replay a fixture and serve Prometheus metrics until interrupted."`
}

// BindCmd binds the view of one fixture.
type BindCmd struct {
	Fixture string `arg:"" help:"Fixture YAML file." type:"existingfile"`
	Group   bool   `help:"Group the listing by date band."`
}

// Run executes the bind command.
func (c *BindCmd) Run(globals *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, globals.Config, os.Stdout, os.Stderr, func(a *app) error {
		fx, err := fixture.Load(c.Fixture)
		if err != nil {
			return err
		}
		view, err := a.load(ctx, fx)
		if err != nil {
			return err
		}
		if err := a.bind(ctx, view); err != nil {
			return err
		}
		a.printListing(c.Group)

		return nil
	})
}

// ReplayCmd binds a fixture view and replays its script.
type ReplayCmd struct {
	Fixture string `arg:"" help:"Fixture YAML file." type:"existingfile"`
	Group   bool   `help:"Group the final listing by date band."`
}

// Run executes the replay command.
func (c *ReplayCmd) Run(globals *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, globals.Config, os.Stdout, os.Stderr, func(a *app) error {
		fx, err := fixture.Load(c.Fixture)
		if err != nil {
			return err
		}
		view, err := a.load(ctx, fx)
		if err != nil {
			return err
		}
		if err := a.bind(ctx, view); err != nil {
			return err
		}
		if err := a.replay(ctx, fx.Script); err != nil {
			return err
		}
		a.printListing(c.Group)

		return nil
	})
}

// ServeMetricsCmd exposes engine metrics over HTTP.
type ServeMetricsCmd struct {
	Fixture string `arg:"" optional:"" help:"Fixture YAML file replayed before serving." type:"existingfile"`
	Addr    string `help:"Listen address; overrides metrics.addr."`
}

// Run executes the serve-metrics command.
func (c *ServeMetricsCmd) Run(globals *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, globals.Config, os.Stdout, os.Stderr, func(a *app) error {
		if c.Fixture != "" {
			fx, err := fixture.Load(c.Fixture)
			if err != nil {
				return err
			}
			view, err := a.load(ctx, fx)
			if err != nil {
				return err
			}
			if err := a.bind(ctx, view); err != nil {
				return err
			}
			if err := a.replay(ctx, fx.Script); err != nil {
				return err
			}
		}

		addr := a.cfg.Metrics.Addr
		if c.Addr != "" {
			addr = c.Addr
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		return a.serveMetrics(ctx, listener)
	})
}

// serveMetrics serves the registry on listener until ctx ends.
func (a *app) serveMetrics(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.logger.InfoContext(groupCtx, "serving metrics", "addr", listener.Addr().String(), "path", metricsPath)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), a.cfg.Engine.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// withApp builds an app from the config at configPath, runs fn, and closes
// the app even when fn fails.
func withApp(ctx context.Context, configPath string, stdout, stderr io.Writer, fn func(a *app) error) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, stderr)

	a, err := newApp(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}

	runErr := fn(a)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := a.close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}

	return runErr
}
