package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	runcmd "github.com/umbreak/nexus-sourcing/internal/cmd/run"
	cfgpkg "github.com/umbreak/nexus-sourcing/internal/config"
	"github.com/umbreak/nexus-sourcing/internal/eventlog"
	"github.com/umbreak/nexus-sourcing/internal/runtime"
	pebblestore "github.com/umbreak/nexus-sourcing/internal/storage/pebble"
	logpkg "github.com/umbreak/nexus-sourcing/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sourcing",
		Short: "Resumable indexing over an embedded event log",
		Long:  "sourcing runs resumable indexing pipelines over a tag-queryable, append-only event log and manages their progress and quarantined failures.",
	}
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: platform data dir)")
	rootCmd.PersistentFlags().String("config", "", "config file (JSON or YAML)")
	rootCmd.PersistentFlags().String("fsync", "always", "fsync mode: always|interval|never")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text|json")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newAppendCmd())
	rootCmd.AddCommand(newProgressCmd())
	rootCmd.AddCommand(newFailuresCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFsync(s string) (pebblestore.FsyncMode, error) {
	switch s {
	case "always":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("invalid --fsync; use always|interval|never")
	}
}

// commonOpts resolves the shared persistent flags.
func commonOpts(cmd *cobra.Command) (dataDir string, fsync pebblestore.FsyncMode, cfg cfgpkg.Config, logger logpkg.Logger, err error) {
	dataDir, _ = cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	fsyncStr, _ := cmd.Flags().GetString("fsync")
	if fsync, err = parseFsync(fsyncStr); err != nil {
		return
	}
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfg, err = cfgpkg.Load(cfgPath); err != nil {
		return
	}
	cfgpkg.FromEnv(&cfg)

	levelStr, _ := cmd.Flags().GetString("log-level")
	level, perr := logpkg.ParseLevel(levelStr)
	if perr != nil {
		level = logpkg.InfoLevel
	}
	format := logpkg.FormatText
	if f, _ := cmd.Flags().GetString("log-format"); f == "json" {
		format = logpkg.FormatJSON
	}
	logger = logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithFormat(format))
	return
}

// openRuntime builds a Runtime from the shared flags, for the
// direct-store admin commands.
func openRuntime(cmd *cobra.Command) (*runtime.Runtime, error) {
	dataDir, fsync, cfg, logger, err := commonOpts(cmd)
	if err != nil {
		return nil, err
	}
	return runtime.Open(runtime.Options{
		DataDir: dataDir + "/store",
		Fsync:   fsync,
		Config:  cfg,
		Logger:  logger,
	})
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an indexing pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, fsync, cfg, logger, err := commonOpts(cmd)
			if err != nil {
				return err
			}
			indexerName, _ := cmd.Flags().GetString("indexer")
			tag, _ := cmd.Flags().GetString("tag")
			eventType, _ := cmd.Flags().GetString("event-type")
			filter, _ := cmd.Flags().GetString("filter")
			outLog, _ := cmd.Flags().GetString("out-log")
			outTag, _ := cmd.Flags().GetString("out-tag")
			if indexerName == "" || tag == "" {
				return fmt.Errorf("--indexer and --tag are required")
			}
			return runcmd.Run(cmd.Context(), runcmd.Options{
				DataDir:   dataDir,
				Fsync:     fsync,
				Config:    cfg,
				Logger:    logger,
				Indexer:   indexerName,
				Tag:       tag,
				EventType: eventType,
				Filter:    filter,
				OutLog:    outLog,
				OutTag:    outTag,
			})
		},
	}
	cmd.Flags().String("indexer", "", "indexer identifier")
	cmd.Flags().String("tag", "", "tag to index")
	cmd.Flags().String("event-type", "", "only index events of this declared type")
	cmd.Flags().String("filter", "", "CEL filter expression over events")
	cmd.Flags().String("out-log", "", "append mapped documents to this log (default: stdout)")
	cmd.Flags().String("out-tag", "", "tag for documents in the output log (default: the input tag)")
	return cmd
}

func newAppendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append [payload...]",
		Short: "Append events to the configured log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			tag, _ := cmd.Flags().GetString("tag")
			typ, _ := cmd.Flags().GetString("type")
			if tag == "" {
				return fmt.Errorf("--tag is required")
			}
			elog, err := rt.OpenLog(rt.Config().LogName)
			if err != nil {
				return err
			}
			evs := make([]eventlog.AppendEvent, len(args))
			for i, a := range args {
				evs[i] = eventlog.AppendEvent{Type: typ, Payload: []byte(a)}
			}
			seqs, err := elog.Append(context.Background(), tag, evs)
			if err != nil {
				return err
			}
			for _, s := range seqs {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().String("tag", "", "tag for the appended events")
	cmd.Flags().String("type", "", "declared event type")
	return cmd
}

func newProgressCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "progress", Short: "Inspect or reset indexer progress"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the progress record for an indexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			name, _ := cmd.Flags().GetString("indexer")
			if name == "" {
				return fmt.Errorf("--indexer is required")
			}
			rec, err := rt.Progress().Load(name)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no progress for %s\n", name)
				return nil
			}
			b, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	showCmd.Flags().String("indexer", "", "indexer identifier")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the progress record so the next run starts over",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			name, _ := cmd.Flags().GetString("indexer")
			if name == "" {
				return fmt.Errorf("--indexer is required")
			}
			return rt.Progress().Reset(name)
		},
	}
	resetCmd.Flags().String("indexer", "", "indexer identifier")

	cmd.AddCommand(showCmd, resetCmd)
	return cmd
}

func newFailuresCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "failures", Short: "Inspect or clear quarantined events"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print quarantined events for an indexer, in offset order",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			name, _ := cmd.Flags().GetString("indexer")
			if name == "" {
				return fmt.Errorf("--indexer is required")
			}
			recs, err := rt.Failures().Fetch(name)
			if err != nil {
				return err
			}
			sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
			for _, r := range recs {
				b, err := json.Marshal(r)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			}
			return nil
		},
	}
	listCmd.Flags().String("indexer", "", "indexer identifier")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every quarantined event for an indexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			name, _ := cmd.Flags().GetString("indexer")
			if name == "" {
				return fmt.Errorf("--indexer is required")
			}
			return rt.Failures().Clear(name)
		},
	}
	clearCmd.Flags().String("indexer", "", "indexer identifier")

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}
