// Package cmd wires the storypipe subcommands: one per pipeline stage, plus
// configure for broker topology provisioning.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/newsarc/pipeline/internal/logging"
	"github.com/newsarc/pipeline/pkg/config"
)

var (
	cfgFile        string
	logLevel       string
	debug          bool
	quiet          bool
	fromQuarantine bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storypipe",
		Short: "News story ingestion pipeline.",
		Long: `storypipe moves news stories from RSS discovery through fetching,
parsing, and Elasticsearch indexing into permanent WARC archives. Each
subcommand runs one pipeline stage against a shared RabbitMQ broker.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitConfig(cfgFile); err != nil {
				return err
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.storypipe/config.yaml)")
	pf.String("rabbitmq-url", "", "AMQP broker URL")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&debug, "debug", false, "development logging with debug level")
	pf.BoolVar(&quiet, "quiet", false, "log warnings and errors only")
	pf.BoolVar(&fromQuarantine, "from-quarantine", false, "consume this worker's quarantine queue instead of its input queue")

	cobra.CheckErr(viper.BindPFlag("rabbitmq.url", pf.Lookup("rabbitmq-url")))

	cmd.AddCommand(
		newConfigureCmd(),
		newRSSQueuerCmd(),
		newCSVQueuerCmd(),
		newArchQueuerCmd(),
		newFetcherCmd(),
		newParserCmd(),
		newImporterCmd(),
		newArchiverCmd(),
		newExporterCmd(),
	)
	return cmd
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Options{
		Debug: debug,
		Quiet: quiet,
		Level: logLevel,
	})
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; workers finish their in-flight message and exit.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
