package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/bootstrap"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/router"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(_ *RootOptions) *cobra.Command {
	var openAPIPath string
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger API, job workers and periodic sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			services, err := bootstrap.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if noWorkers {
				services.Audit.Start()
			} else {
				services.Start()
			}
			defer services.Stop()

			app := services.NewApp(openAPIPath)

			errCh := make(chan error, 1)
			go func() {
				log.Infof("[Serve] Listening on %s", cfg.Addr())
				errCh <- app.Listen(cfg.Addr())
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sig)

			select {
			case err := <-errCh:
				return err
			case s := <-sig:
				log.Infof("[Serve] Received %s, shutting down", s)
			}
			return app.ShutdownWithTimeout(shutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&openAPIPath, "openapi", router.DefaultOpenAPIPath, "path of the OpenAPI document served under /docs/api/v1")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve HTTP only, without job workers and periodic sweeps")

	return cmd
}

// sweepContext bounds a one-shot CLI sweep.
func sweepContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}
