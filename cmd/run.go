package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/industrion/jobharvest/internal/app"
	"github.com/industrion/jobharvest/internal/config"
	"github.com/industrion/jobharvest/internal/pipeline"
)

type runFlags struct {
	urls        []string
	inputFile   string
	sheetID     string
	worksheet   string
	csvPath     string
	company     string
	dryRun      bool
	resume      bool
	concurrency int
	maxJobs     int
}

// newRunCmd creates the 'run' subcommand: a one-shot pipeline run over
// the given careers URLs.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Processes careers pages once and exits",
		Long: `Runs the pipeline over the given careers page URLs, appends the
resulting rows to the configured sink, and prints the run summary as
JSON. With --dry-run no rows are written; the summary carries the rows
that would have been appended.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringArrayVar(&flags.urls, "url", nil, "careers page URL (repeatable)")
	cmd.Flags().StringVar(&flags.inputFile, "input", "", "file with one careers URL per line")
	cmd.Flags().StringVar(&flags.sheetID, "sheet-id", "", "target spreadsheet ID or URL")
	cmd.Flags().StringVar(&flags.worksheet, "worksheet", "", "target worksheet name")
	cmd.Flags().StringVar(&flags.csvPath, "csv", "", "write rows to a local CSV file instead of a spreadsheet")
	cmd.Flags().StringVar(&flags.company, "company", "", "override the extracted company name")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "collect rows without writing to the sink")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "skip job URLs the ledger has already seen")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "worker count for job URL processing")
	cmd.Flags().IntVar(&flags.maxJobs, "max-jobs", 0, "cap on job URLs processed this run")
	return cmd
}

func runOnce(parent context.Context, flags runFlags) error {
	urls, err := collectURLs(flags)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("no careers URLs given; use --url or --input")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{
		SpreadsheetID: flags.sheetID,
		Worksheet:     flags.worksheet,
		CSVPath:       flags.csvPath,
		NoSink:        flags.dryRun,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.Logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
		_ = a.Logger.Sync()
	}()

	result, err := a.Pipeline.Run(ctx, pipeline.RunRequest{
		CareersURLs:     urls,
		CompanyOverride: flags.company,
		DryRun:          flags.dryRun,
		Resume:          flags.resume,
		Concurrency:     flags.concurrency,
		MaxJobs:         flags.maxJobs,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	fmt.Println(string(out))

	if result.Counters.CareersProcessed == 0 && len(result.Errors) > 0 {
		return errors.New("run failed: no careers page could be processed")
	}
	return nil
}

func collectURLs(flags runFlags) ([]string, error) {
	urls := append([]string(nil), flags.urls...)
	if flags.inputFile != "" {
		f, err := os.Open(flags.inputFile)
		if err != nil {
			return nil, fmt.Errorf("open input file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
	}
	return urls, nil
}
