package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/deckcache/deckcache/log"
	"github.com/deckcache/deckcache/pkg/cache"
	"github.com/deckcache/deckcache/pkg/cache/bus"
	"github.com/deckcache/deckcache/pkg/cache/cleaner"
	"github.com/deckcache/deckcache/pkg/cache/crypto"
	"github.com/deckcache/deckcache/pkg/cache/engine"
	"github.com/deckcache/deckcache/pkg/cache/manifest"
	"github.com/deckcache/deckcache/pkg/cache/store"
	storebbolt "github.com/deckcache/deckcache/pkg/cache/store/bbolt"
	"github.com/deckcache/deckcache/pkg/cache/wsbridge"
)

var version = "dev"

var mainLog = log.GetLogger("main")

func main() {
	app := cli.NewApp()
	app.Name = "deckcache"
	app.Usage = "offline slide asset caching engine"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: defaultConfigPath(),
			Usage: "path to the YAML config file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "trace, debug, info, warn, or error",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "console",
			Usage: "console or json",
		},
		cli.StringFlag{
			Name:  "listen",
			Usage: "override the configured websocket listen address",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "deckcache.yaml"
	}
	return filepath.Join(home, ".deckcache", "config.yaml")
}

func run(c *cli.Context) error {
	log.SetLoggersConfig(&log.LogConfig{
		Level:  c.String("log-level"),
		Format: c.String("log-format"),
	})

	configPath := c.String("config")
	cfg, err := cache.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, cache.ErrConfigMissing) {
			return fmt.Errorf("no config found; a template was written to %s, edit it and retry", configPath)
		}
		return err
	}
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home dir: %w", err)
	}

	st, err := storebbolt.Open(cfg.EffectiveStorePath(home), storebbolt.Options{
		Defaults: store.DefaultSettings(cfg.Engine.Concurrency),
	})
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer st.Close()

	vault := crypto.NewVault()
	if err := vault.SelfTest(); err != nil {
		return fmt.Errorf("cipher unusable, refusing to start: %w", err)
	}

	catalog := manifest.NewClient(cfg.ManifestURL, manifest.BreakerSettings{
		MaxFailures: uint32(cfg.Breaker.MaxFailures),
		OpenTimeout: time.Duration(cfg.Breaker.OpenTimeoutSec) * time.Second,
	})

	assetBase, err := cfg.EffectiveAssetBaseURL()
	if err != nil {
		return err
	}
	fetcher, err := engine.NewHTTPFetcher(
		assetBase,
		time.Duration(cfg.Engine.FetchTimeoutSec)*time.Second,
		time.Duration(cfg.Engine.DefaultTTLSec)*time.Second,
		int64(cfg.Engine.MaxAssetMB)<<20,
	)
	if err != nil {
		return err
	}

	b := bus.New()
	defer b.Close()

	eng := engine.New(engine.Config{
		ProgressBatch:   cfg.Engine.ProgressBatch,
		FetchRatePerSec: cfg.Engine.FetchRatePerSec,
	}, st, vault, catalog, fetcher, engine.WithPublisher(b))
	b.Bind(eng)

	sweeper := cleaner.New(cleaner.Config{
		SweepInterval: time.Duration(cfg.Sweep.IntervalMin) * time.Minute,
	}, st, cleaner.WithPublisher(b))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := eng.Init(ctx); err != nil && ctx.Err() == nil {
			mainLog.Errorf("resume caching failed: %v", err)
		}
	}()
	go sweeper.RunBackground(ctx)

	var wsOpts []wsbridge.Option
	if isLoopbackAddr(cfg.ListenAddr) {
		wsOpts = append(wsOpts, wsbridge.AllowAnyOrigin())
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsbridge.New(b, wsOpts...))
	mux.Handle("/assets/", wsbridge.NewAssetHandler(eng))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		mainLog.Infof("deckcache %s listening on %s", version, cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	mainLog.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Warnf("http shutdown: %v", err)
	}
	return nil
}
