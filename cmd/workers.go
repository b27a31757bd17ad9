package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newsarc/pipeline/internal/archiver"
	"github.com/newsarc/pipeline/internal/exporter"
	"github.com/newsarc/pipeline/internal/fetcher"
	"github.com/newsarc/pipeline/internal/importer"
	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/parser"
	"github.com/newsarc/pipeline/internal/worker"
)

// startWorker does the setup shared by every consuming stage, then hands
// the app and runtime to the stage-specific body.
func startWorker(cmd *cobra.Command, name string, body func(a *app, rt *worker.Runtime) error) error {
	ctx := cmd.Context()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if p := a.topo.Proc(name); p == nil || !p.Consumer {
		return fmt.Errorf("stage %s is not a consumer in flavor %s", name, a.cfg.Flavor)
	}
	if err := a.connect(); err != nil {
		return err
	}
	if err := a.waitConfigured(ctx); err != nil {
		return err
	}
	a.serveMetrics(ctx)

	return body(a, a.runtime(name))
}

func newFetcherCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Fetch story HTML from the open web",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startWorker(cmd, name, func(a *app, rt *worker.Runtime) error {
				scratch, err := a.openStore(cmd.Context(), a.cfg.ScratchURL)
				if err != nil {
					return err
				}
				f := fetcher.New(fetcher.Config{
					UserAgent:      a.cfg.FetcherUserAgent,
					Timeout:        a.cfg.FetcherTimeout,
					MaxBytes:       a.cfg.FetcherMaxBytes,
					Concurrency:    a.cfg.FetcherConcurrency,
					DomainInterval: a.cfg.FetcherDomainInterval,
				}, scratch, a.logger)
				return rt.Run(cmd.Context(), f.Process)
			})
		},
	}
	cmd.Flags().StringVar(&name, "stage-name", "fetcher", "topology stage to run as (hist-fetcher for the historical flavor)")
	return cmd
}

func newParserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parser",
		Short: "Extract content metadata from fetched HTML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startWorker(cmd, "parser", func(a *app, rt *worker.Runtime) error {
				p := parser.New(a.logger)
				return rt.Run(cmd.Context(), p.Process)
			})
		},
	}
}

func newImporterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "importer",
		Short: "Index parsed stories into Elasticsearch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startWorker(cmd, "importer", func(a *app, rt *worker.Runtime) error {
				es, err := importer.NewClient(importer.Config{
					Addresses: a.cfg.ESAddresses,
					Username:  a.cfg.ESUsername,
					Password:  a.cfg.ESPassword,
					APIKey:    a.cfg.ESAPIKey,
				})
				if err != nil {
					return err
				}
				imp := importer.New(es, a.cfg.ESIndex, a.logger)
				return rt.Run(cmd.Context(), imp.Process)
			})
		},
	}
}

func newExporterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exporter",
		Short: "Export parsed stories as NDJSON for research use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startWorker(cmd, "exporter", func(a *app, rt *worker.Runtime) error {
				blobs, err := a.openStore(cmd.Context(), a.cfg.ExportsURL)
				if err != nil {
					return err
				}
				if blobs == nil {
					return fmt.Errorf("exporter requires a blobstore.exports url")
				}
				exp := exporter.New(a.topo.ArchivePrefix(), blobs,
					metrics.ForWorker("exporter"), a.logger)
				return rt.RunBatch(cmd.Context(), exp.ProcessBatch,
					a.cfg.ExporterBatchSize, a.cfg.ExporterBatchWait)
			})
		},
	}
}

func newArchiverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archiver",
		Short: "Write indexed stories into WARC archives and upload them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startWorker(cmd, "archiver", func(a *app, rt *worker.Runtime) error {
				blobs, err := a.openStore(cmd.Context(), a.cfg.ArchivesURL)
				if err != nil {
					return err
				}
				arch := archiver.New(archiver.Config{
					Dir:       a.cfg.ArchiverDir,
					Prefix:    a.topo.ArchivePrefix(),
					KeepLocal: a.cfg.ArchiverKeepLocal,
				}, blobs, metrics.ForWorker("archiver"), a.logger)
				return rt.RunBatch(cmd.Context(), arch.ProcessBatch,
					a.cfg.ArchiverBatchSize, a.cfg.ArchiverBatchWait)
			})
		},
	}
}
