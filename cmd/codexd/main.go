package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rexliu/codexbridge/pkg/bridge"
	"github.com/rexliu/codexbridge/pkg/config"
	"github.com/rexliu/codexbridge/pkg/ipc"
	"github.com/rexliu/codexbridge/pkg/logging"
	"github.com/rexliu/codexbridge/pkg/storage/sqlite"
)

func main() {
	profile := flag.String("profile", "./_dev_profile", "Path to profile directory")
	socket := flag.String("socket", "", "Override IPC socket path (optional)")
	eager := flag.Bool("eager", false, "Start the app-server immediately instead of on first call")
	flag.Parse()

	logger := logging.New("codexd")
	logger.Infof("starting daemon with profile %s", *profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, *eager, logger); err != nil {
		logger.Errorf("fatal error: %v", err)
		os.Exit(1)
	}
}

type daemon struct {
	manager *bridge.Manager
	store   *sqlite.Store
	hub     *eventHub
	logger  *logging.Logger
}

func run(ctx context.Context, profileDir, socketOverride string, eager bool, logger *logging.Logger) error {
	cfg, err := config.LoadProfile(profileDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config not found in %s (run 'codexctl init --profile %s')", profileDir, profileDir)
		}
		return fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Logging
	logCfg.FilePath = config.ResolvePath(profileDir, logCfg.FilePath)
	if err := logger.Configure(logCfg); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	store, err := sqlite.Open(config.ResolvePath(profileDir, cfg.Storage.DBPath), sqlite.Options{
		JournalMode: cfg.Storage.JournalMode,
		Synchronous: cfg.Storage.Synchronous,
	})
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}

	d := newDaemon(cfg, profileDir, store, logger)

	socketPath := socketOverride
	if socketPath == "" {
		socketPath = config.ResolvePath(profileDir, cfg.IPC.SocketPath)
	}
	if err := cleanupSocket(socketPath); err != nil {
		return err
	}

	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	srv := ipc.NewServer(logger)
	d.registerHandlers(srv)
	if err := srv.Start(srvCtx, socketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer func() {
		srv.Stop()
		stopServer()
		srv.Wait()
		cleanupSocket(socketPath)
	}()

	if eager {
		if err := d.manager.Start(ctx); err != nil {
			logger.Warnf("app-server did not start: %v", err)
		}
	}
	logger.Infof("daemon ready; socket at %s", socketPath)

	<-ctx.Done()
	logger.Infof("shutting down")
	if status, err := d.manager.Stop(); err != nil {
		logger.Warnf("stop app-server: %v", err)
	} else {
		logger.Infof("app-server stopped (%s)", status)
	}
	return nil
}

func newDaemon(cfg *config.ProfileConfig, profileDir string, store *sqlite.Store, logger *logging.Logger) *daemon {
	d := &daemon{store: store, hub: newEventHub(logger), logger: logger}
	as := cfg.AppServer
	opts := bridge.Options{
		Binary: bridge.BinarySpec{
			Path:       as.BinaryPath,
			Name:       as.BinaryName,
			SearchDirs: as.SearchDirs,
		},
		Args:             as.Args,
		Dir:              config.ResolvePath(profileDir, as.WorkDir),
		Client:           bridge.ClientInfo{Name: cfg.Client.Name, Title: cfg.Client.Title, Version: cfg.Client.Version},
		CallTimeout:      as.CallTimeout.Duration,
		HandshakeTimeout: as.HandshakeTimeout.Duration,
		GracePeriod:      as.GracePeriod.Duration,
		MaxLineBytes:     as.MaxLineBytes,
		// Journal first so list_approvals already shows a request its
		// event announces.
		Sink:   bridge.Tee(&journalSink{store: store, logger: logger}, d.hub),
		Logger: logger,
	}
	d.manager = bridge.NewManager(opts, cfg.Restart.Interval.Duration, cfg.Restart.Burst)
	d.manager.BeforeSpawn = d.expireJournal
	return d
}

// expireJournal retires requests issued by a previous app-server instance.
func (d *daemon) expireJournal() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := d.store.ExpirePending(ctx)
	if err != nil {
		d.logger.Warnf("expire journal: %v", err)
		return
	}
	if n > 0 {
		d.logger.Infof("expired %d unanswered server requests", n)
	}
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

func pingHandler(logger *logging.Logger) ipc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
		now := time.Now().UnixMilli()
		logger.Debugf("received ping at %d", now)
		return map[string]any{"now": now}, nil
	}
}
