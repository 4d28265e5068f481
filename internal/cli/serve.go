package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/server"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(opts *RootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := opts.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close(context.Background()) }()

			if port == 0 {
				port = s.Config.Port
			}
			d := server.Deps{Config: s.Config, Runner: s.Runner, Logger: s.Logger}
			if s.App != nil {
				d.Local = s.App.Local
				d.Health = s.App.Health
			}
			srv := server.HTTPServer(s.Config, server.New(d), fmt.Sprintf(":%d", port))

			errCh := make(chan error, 1)
			go func() {
				s.Logger.Infof("Listening on %s", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !stderrors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			s.Logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on, defaults to PORT")
	return cmd
}
