package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/urfave/cli/v3"

	"github.com/Tyrowin/chatcore/internal/log"
	"github.com/Tyrowin/chatcore/internal/server"
	"github.com/Tyrowin/chatcore/internal/store"
)

var mainLog = log.ForService("main")

func main() {
	app := &cli.Command{
		Name:  "chat-server",
		Usage: "Realtime presence and messaging server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path (TOML)",
				Value: "chat.toml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides the configured port",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path, overrides the configured one (empty for memory)",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "init-config",
				Usage: "Write the default configuration to the config path",
				Action: func(ctx context.Context, c *cli.Command) error {
					path := c.String("config")
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists", path)
					}
					if err := server.SaveConfig(server.NewConfig(), path); err != nil {
						return err
					}
					fmt.Printf("Wrote default configuration to %s\n", path)
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		stdlog.Fatal(err)
	}
}

func serve(ctx context.Context, c *cli.Command) error {
	configPath := c.String("config")
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.IsSet("addr") {
		cfg.Port = c.String("addr")
	}
	if c.IsSet("db") {
		cfg.DatabasePath = c.String("db")
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	server.SetConfig(cfg)
	log.SetGlobalDebug(cfg.Debug)
	active := server.CurrentConfig()

	st, err := store.Open(active.DatabasePath)
	if err != nil {
		return err
	}

	srv := server.New(st)
	if err := srv.StartHub(ctx); err != nil {
		_ = st.Close()
		return err
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	if _, err := os.Stat(configPath); err == nil {
		go func() {
			if err := server.WatchConfig(watchCtx, configPath); err != nil {
				mainLog.Warnf("Config reload disabled: %v", err)
			}
		}()
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.ListenAndServe()
	}()

	wait := gfshutdown.GracefulShutdown(ctx, active.ShutdownTimeout.Duration, map[string]gfshutdown.Operation{
		"chat-server": func(ctx context.Context) error {
			stopWatching()
			return shutdown(ctx, srv, st)
		},
	})

	select {
	case exitCode := <-wait:
		if exitCode != 0 {
			return cli.Exit("shutdown did not complete cleanly", exitCode)
		}
		mainLog.Infof("Shutdown completed successfully")
		return nil
	case err := <-listenErr:
		stopWatching()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), active.ShutdownTimeout.Duration)
		defer cancel()
		if shutdownErr := shutdown(shutdownCtx, srv, st); shutdownErr != nil {
			mainLog.Warnf("Shutdown after listener failure: %v", shutdownErr)
		}
		if err == nil {
			err = errors.New("http server stopped unexpectedly")
		}
		return fmt.Errorf("serving: %w", err)
	}
}

// shutdown stops the hub first so open long-polls return, then the HTTP
// server, then the store the departures were written to.
func shutdown(ctx context.Context, srv *server.Server, st store.Store) error {
	var errs []error
	if err := srv.ShutdownHub(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := srv.ShutdownHTTP(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
