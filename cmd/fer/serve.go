package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/handlers"
	"github.com/Brownie44l1/fer-tally/internal/server"
	"github.com/Brownie44l1/fer-tally/internal/session"
)

func newServeCmd(g *globals) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Example: `  # Start on the configured port (SERVER_PORT, default 8080)
  fer serve

  # Upload a batch
  curl -F "files=@a.jpg" -F "files=@b.png" http://localhost:8080/api/analyze`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := g.cfg, g.log
			if port != "" {
				cfg.Server.Port = port
			}

			eng, err := newEngine(cfg, log)
			if err != nil {
				return err
			}
			store := session.New(cfg.App.SessionTTL, log)
			h := handlers.NewHandler(eng.runner, eng.renderer, store, cfg, log)
			srv := server.New(cfg, h, log)

			defer release(h, store, eng.Close, log)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- srv.Run()
			}()

			select {
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Error("Server forced to shutdown, waiting for running batches", zap.Error(err))
					return err
				}
				log.Info("Server exited")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides SERVER_PORT)")

	return cmd
}

// release waits for batches still running after the server stopped, then
// ends every session, then frees the workers and the model.
func release(h interface{ Wait() }, store interface{ Close() error }, closeEngine func(), log *zap.Logger) {
	h.Wait()
	if err := store.Close(); err != nil {
		log.Warn("Failed to remove transient files", zap.Error(err))
	}
	closeEngine()
}
