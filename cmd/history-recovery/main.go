// history-recovery rebuilds missing backup history rows from the files that
// are actually stored on a provider.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoBackupGuard/pkg/config"
	"github.com/supporttools/GoBackupGuard/pkg/configstore"
	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/storage/factory"
	"github.com/supporttools/GoBackupGuard/pkg/version"
)

type options struct {
	dryRun   bool
	verbose  bool
	provider string
	prefix   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "history-recovery",
		Short: "Rebuild backup history from stored backups",
		Long: `List every stored backup on a provider and create a completed BACKUP
history record for each one the metadata database does not know about.

Kind and source are derived from the backup path, e.g.
database/2024-03-01T12-34-56-789Z/app.sql.gz.`,
		Version:      version.Get().String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Report what would be recovered without writing history")
	flags.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flags.StringVar(&opts.provider, "provider", "", "Storage provider to scan (defaults to the configured provider)")
	flags.StringVar(&opts.prefix, "prefix", "", "Only scan paths under this prefix, e.g. database/")
	return cmd
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.New(opts.verbose)
	if err := config.LoadConfiguration(log); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !config.CFG.MetadataDB.Enabled {
		return config.Errorf("metadata_database.enabled", "history recovery requires the metadata database")
	}

	db, err := metadata.Initialize(config.CFG.MetadataDB, config.CFG.Debug, log)
	if err != nil {
		return err
	}
	defer metadata.Close(db)

	store := configstore.New(metadata.NewConfigRepository(db), config.CFG.DocumentFile, log)
	doc, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load backup configuration: %w", err)
	}
	if opts.provider == config.ProviderMailbox || (opts.provider == "" && doc.Storage.Provider == config.ProviderMailbox) {
		return config.Errorf("provider", "mailbox provider does not store backups")
	}

	provider, err := factory.FromConfig(ctx, doc, opts.provider, factory.Deps{
		Log:          log,
		LocalBaseDir: config.CFG.StorageDir,
	})
	if err != nil {
		return err
	}

	r := &Recoverer{
		provider: provider,
		store:    metadata.NewHistoryRepository(db),
		log:      log.WithField("provider", provider.Name()),
		now:      time.Now,
	}
	log.WithFields(logrus.Fields{"provider": provider.Name(), "prefix": opts.prefix, "dryRun": opts.dryRun}).
		Info("Starting history recovery")
	report, err := r.Run(ctx, opts.prefix, opts.dryRun)
	if err != nil {
		return err
	}
	printReport(out, report, opts.dryRun)
	return nil
}

func printReport(out io.Writer, report *Report, dryRun bool) {
	if len(report.Recovered) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "KIND\tSOURCE\tTIMESTAMP\tSIZE\tPATH")
		for _, b := range report.Recovered {
			size := "-"
			if b.SizeBytes != nil {
				size = humanize.Bytes(uint64(*b.SizeBytes))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				b.Kind, config.RedactURL(b.Source), b.Timestamp.Format("2006-01-02 15:04"), size, b.Path)
		}
		w.Flush()
		fmt.Fprintln(out)
	}

	verb := "Recovered"
	if dryRun {
		verb = "Would recover"
	}
	fmt.Fprintf(out, "%s %d backup(s), %s\n", verb, len(report.Recovered), humanize.Bytes(uint64(report.TotalBytes)))
	fmt.Fprintf(out, "Scanned %d, already recorded %d, unrecognized %d, failed %d\n",
		report.Scanned, report.Existing, report.Unrecognized, report.Failed)
}
