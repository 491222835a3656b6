package commands

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evoluhq/evolu-go/config"
	"github.com/evoluhq/evolu-go/db"
	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/logger"
	"github.com/evoluhq/evolu-go/relay"
)

// ServeCmd runs the standalone relay server: the mailbox/broadcast
// process every replica's sync loop talks to.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE:  runServe,
}

var relayDBPathFlag string

func init() {
	ServeCmd.Flags().StringVar(&relayDBPathFlag, "db-path", "", "path to the relay's SQLite database (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	path := relayDBPathFlag
	if path == "" {
		path, err = dbPath(cfg)
		if err != nil {
			return err
		}
		path += ".relay"
	}

	conn, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "open relay database")
	}
	defer conn.Close()

	if err := relay.MigrateConn(conn); err != nil {
		return errors.Wrap(err, "apply relay migrations")
	}

	r := relay.New(conn, relay.AllowAllAuthorizer{}, cfg.Relay.MaxMessagesPerOwnerPerMinute, logger.Logger)

	if watcher, err := config.WatchLoadedFiles(); err != nil {
		logger.Logger.Debugw("config hot-reload not active", "error", err)
	} else {
		defer watcher.Stop()
		watcher.OnReload(func(reloaded *config.Config) error {
			logger.Logger.Infow("config reloaded; restart the relay to pick up listen_addr or quota changes",
				"listen_addr", reloaded.Relay.ListenAddr,
				"max_messages_per_owner_per_minute", reloaded.Relay.MaxMessagesPerOwnerPerMinute)
			return nil
		})
	}

	srv := &http.Server{
		Addr:    cfg.Relay.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Infow("relay listening", "addr", cfg.Relay.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "relay server")
		}
	case <-ctx.Done():
		logger.Logger.Infow("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "graceful shutdown")
		}
	}

	return nil
}
