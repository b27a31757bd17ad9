package cmd

import (
	"github.com/spf13/cobra"

	"github.com/newsarc/pipeline/internal/pipeline"
)

func newConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Provision broker queues, exchanges, and bindings for the configured flavor",
		Long: `configure declares every queue, exchange, and binding the configured
pipeline flavor needs, then raises the configuration semaphore that workers
wait on at startup. It is idempotent and safe to run on every deploy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.connect(); err != nil {
				return err
			}
			return pipeline.Configure(cmd.Context(), a.topo, a.broker, a.logger)
		},
	}
}
