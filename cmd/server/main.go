package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/hub"
	"timeglass/remotectl/pkg/logging"
	"timeglass/remotectl/pkg/store"
)

func main() {
	log, closeLog := logging.New("server", logging.OptionsFromEnv())
	defer closeLog()

	app := &cli.App{
		Name:  "remotectl-server",
		Usage: "accept remote-control agents and issue commands to them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "server config file (json or yaml); priority: env > file > default",
				Value: filepath.Join("config", "server.json"),
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, log, c.String("config"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorw("server exited", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func serve(ctx context.Context, log *zap.SugaredLogger, cfgPath string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		log.Warnw("config load failed, using defaults and env", "path", cfgPath, "error", err)
		cfg, _ = config.LoadServerConfig("")
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	token := cfg.ClientToken
	if token == "" {
		plain, hashed, first, err := hub.EnsureTokenHash(filepath.Join(filepath.Dir(cfg.DBPath), "token"))
		if err != nil {
			return err
		}
		token = hashed
		if first {
			log.Warnw("generated access token; it is shown only once, delete the token file to reset", "token", plain)
		}
	}

	if pending, err := st.PendingCommands(ctx); err == nil && len(pending) > 0 {
		log.Infow("commands without a result from a previous run", "count", len(pending))
	}

	h := hub.New(hub.Options{
		Logger:           log.Named("hub"),
		Store:            st,
		Token:            token,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		StaticDir:        cfg.StaticDir,
	})
	defer h.Close()

	go h.RunCleanup(ctx, cfg.CleanupInterval())
	go watchConfig(ctx, log, cfgPath, h)

	srv := &http.Server{Addr: cfg.Addr, Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("server listening", "addr", cfg.Addr, "tls", cfg.TLS.Enable, "static", cfg.StaticDir, "db", cfg.DBPath)
	if cfg.TLS.Enable {
		err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// watchConfig applies the heartbeat timeout from the config file whenever it
// changes. Other fields need a restart.
func watchConfig(ctx context.Context, log *zap.SugaredLogger, path string, h *hub.Hub) {
	if path == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnw("watcher error", "error", err)
		return
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		log.Warnw("abs path error", "error", err)
		return
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		log.Warnw("watch add error", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || filepath.Base(ev.Name) != filepath.Base(abs) {
				continue
			}
			sc, err := config.LoadServerConfig(abs)
			if err != nil {
				log.Warnw("reload config failed", "error", err)
				continue
			}
			if sc.HeartbeatTimeout() != h.HeartbeatTimeout() {
				h.SetHeartbeatTimeout(sc.HeartbeatTimeout())
				log.Infow("config reloaded", "path", abs, "heartbeat_timeout", sc.HeartbeatTimeout())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warnw("watch error", "error", err)
		}
	}
}
