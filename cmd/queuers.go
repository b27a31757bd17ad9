package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newsarc/pipeline/internal/metrics"
	"github.com/newsarc/pipeline/internal/queuer"
	"github.com/newsarc/pipeline/internal/tracker"
)

// queuerFlags are shared by every queuer command.
type queuerFlags struct {
	dryRun     bool
	force      bool
	maxStories int
}

func (f *queuerFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "parse and count stories without publishing")
	cmd.Flags().BoolVar(&f.force, "force", false, "queue files even if the tracker already has them")
	cmd.Flags().IntVar(&f.maxStories, "max-stories", 0, "stop after this many stories (0 means unlimited)")
}

// runQueuer is the shared body of the three queuer commands.
func runQueuer(cmd *cobra.Command, args []string, name string, flags *queuerFlags, parse queuer.ParseFunc) error {
	if len(args) == 0 {
		return fmt.Errorf("no input files given")
	}
	ctx := cmd.Context()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if a.topo.Proc(name) == nil {
		return fmt.Errorf("stage %s is not part of flavor %s", name, a.cfg.Flavor)
	}
	if err := a.connect(); err != nil {
		return err
	}
	if err := a.waitConfigured(ctx); err != nil {
		return err
	}
	a.serveMetrics(ctx)

	var trk tracker.Tracker = tracker.Nop{}
	if !flags.dryRun {
		sq, err := tracker.OpenSQLite(ctx, a.cfg.TrackerDB)
		if err != nil {
			return err
		}
		defer sq.Close()
		trk = sq
	}

	blobs, err := a.openStore(ctx, a.cfg.ArchivesURL)
	if err != nil {
		return err
	}

	q := queuer.New(a.runtime(name), trk, blobs, a.logger, metrics.ForWorker(name), queuer.Options{
		DryRun:     flags.dryRun,
		Force:      flags.force,
		MaxStories: flags.maxStories,
	})
	return q.Run(ctx, args, parse)
}

func newRSSQueuerCmd() *cobra.Command {
	var flags queuerFlags
	cmd := &cobra.Command{
		Use:   "rss-queuer [inputs...]",
		Short: "Queue stories from RSS or Atom feed files",
		Long: `rss-queuer parses feed documents (local files, directories, http URLs,
or blob: keys, gzipped or not) and publishes one story per feed item.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueuer(cmd, args, "rss-queuer", &flags, queuer.ParseRSS)
		},
	}
	flags.register(cmd)
	return cmd
}

func newCSVQueuerCmd() *cobra.Command {
	var flags queuerFlags
	cmd := &cobra.Command{
		Use:   "csv-queuer [inputs...]",
		Short: "Queue stories from CSV exports with a url column",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueuer(cmd, args, "hist-queuer", &flags, queuer.ParseCSV)
		},
	}
	flags.register(cmd)
	return cmd
}

func newArchQueuerCmd() *cobra.Command {
	var flags queuerFlags
	cmd := &cobra.Command{
		Use:   "arch-queuer [inputs...]",
		Short: "Re-queue stories from previously written WARC archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueuer(cmd, args, "arch-queuer", &flags, queuer.ParseArchive)
		},
	}
	flags.register(cmd)
	return cmd
}
