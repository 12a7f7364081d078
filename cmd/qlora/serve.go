package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qlora/internal/checkpoint"
	"github.com/23skdu/longbow-qlora/internal/logger"
)

func newServeCheckpointCmd() *cobra.Command {
	var (
		lf        loadFlags
		addr      string
		synthetic bool
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "serve-checkpoint [files...]",
		Short: "Serve checkpoints over Arrow Flight",
		Long: `Serves each checkpoint file under a ticket named after the file without
its extension. With --synthetic a random model for --config is served
under the ticket "synthetic". Clients load them as flight://addr/ticket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := checkpoint.NewServer()
			for _, path := range args {
				if err := registerFile(cmd.Context(), srv, path); err != nil {
					return err
				}
			}
			if synthetic {
				cfg, err := lf.config(cmd)
				if err != nil {
					return err
				}
				tensors, err := syntheticTensors(cfg, seed)
				if err != nil {
					return err
				}
				srv.Register("synthetic", tensors)
			}
			if len(args) == 0 && !synthetic {
				return fmt.Errorf("nothing to serve: pass checkpoint files or --synthetic")
			}

			if err := srv.Start(addr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving on %s\n", srv.Addr())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Log.Info("shutting down flight server")
			srv.Shutdown()
			return nil
		},
	}
	lf.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", checkpoint.DefaultFlightAddr, "Listen address")
	cmd.Flags().BoolVar(&synthetic, "synthetic", false, "Also serve a random model for --config")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Seed for the synthetic model")
	return cmd
}

func registerFile(ctx context.Context, srv *checkpoint.Server, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	src, err := checkpoint.Open(ctx, path)
	if err != nil {
		return err
	}
	defer src.Close()
	tensors, err := checkpoint.ReadAll(src)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Base(path)
	ticket := strings.TrimSuffix(base, filepath.Ext(base))
	srv.Register(ticket, tensors)
	logger.Log.Info("registered checkpoint", "ticket", ticket, "tensors", len(tensors))
	return nil
}
