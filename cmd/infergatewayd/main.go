package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matrixinfer-ai/infercore/cmd/infergatewayd/app"
)

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "infergatewayd",
		Short: "Execution plane for multi-provider LLM inference",
		Long: `infergatewayd wires the KV-cache manager, provider runtime, reliability
envelope, batch scheduler, stage-aware orchestrator, async job manager,
streaming substrate, quota admitter, and plugin pipeline into a single
process, fronted by a minimal HTTP surface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			server, err := app.NewServer(cfgFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx)
		},
	}
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a gateway.yaml config file")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
