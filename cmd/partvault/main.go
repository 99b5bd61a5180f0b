// Command partvault is the thin CLI entrypoint over internal/manager's
// backup, restore, delete and purge operations, plus list/show/version
// reporting, built as a one-shot subcommand CLI via cobra. Errors are
// reported to stderr and translate directly to a process exit code.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/partvault/partvault/internal/dbcontrol"
	"github.com/partvault/partvault/internal/errs"
	"github.com/partvault/partvault/internal/manager"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// exit codes. Lock contention gets its own code so callers (cron,
// orchestration scripts) can distinguish "another backup is already
// running" from a genuine failure.
const (
	exitOK             = 0
	exitFailure        = 1
	exitLockContention = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "partvault",
		Short:         "Backup and restore engine for a columnar analytical database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/partvault/config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newBackupCommand(&configPath),
		newRestoreCommand(&configPath),
		newDeleteCommand(&configPath),
		newPurgeCommand(&configPath),
		newListCommand(&configPath),
		newShowCommand(&configPath),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "partvault: %v\n", err)
		if _, ok := err.(*errs.LockError); ok {
			return exitLockContention
		}
		return exitFailure
	}
	return exitOK
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the partvault version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newBackupCommand(configPath *string) *cobra.Command {
	var (
		name          string
		databases     []string
		tables        []string
		excludeTables []string
		force         bool
		schemaOnly    bool
		noAccess      bool
		noUDF         bool
		noSchema      bool
		noData        bool
		labels        map[string]string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a new backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := buildEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			if name == "" {
				name = time.Now().UTC().Format("20060102T150405")
			}

			var filter *dbcontrol.TableFilter
			if len(tables) > 0 || len(excludeTables) > 0 {
				filter = &dbcontrol.TableFilter{Include: tables, Exclude: excludeTables}
			}

			req := manager.BackupRequest{
				Name:        name,
				Databases:   databases,
				TableFilter: filter,
				Sources: manager.Sources{
					Access: !noAccess,
					UDF:    !noUDF,
					Schema: !noSchema,
					Data:   !noData,
				},
				Force:           force,
				Labels:          labels,
				SchemaOnly:      schemaOnly,
				LocalLock:       env.localLock,
				DistributedLock: env.distributedLock,
			}

			stop := logProgress(env.manager)
			defer stop()

			backup, skipped, err := env.manager.Backup(ctx, req)
			if err != nil {
				return err
			}
			if skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped: backup %s is within min_interval of the last run\n", backup.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s completed: %s\n", backup.Name, backup.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "backup name (default: current UTC timestamp)")
	cmd.Flags().StringSliceVar(&databases, "database", nil, "database to back up (repeatable, default: all)")
	cmd.Flags().StringSliceVar(&tables, "table", nil, "table to include (repeatable, default: all)")
	cmd.Flags().StringSliceVar(&excludeTables, "exclude-table", nil, "table to exclude (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "ignore min_interval and create a backup regardless")
	cmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "back up schema objects without table data")
	cmd.Flags().BoolVar(&noAccess, "no-access", false, "skip access control objects")
	cmd.Flags().BoolVar(&noUDF, "no-udf", false, "skip user-defined functions")
	cmd.Flags().BoolVar(&noSchema, "no-schema", false, "has no effect: database/table schema is always included")
	cmd.Flags().BoolVar(&noData, "no-data", false, "skip table data parts")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "label to attach to the backup (key=value, repeatable)")
	return cmd
}

func newRestoreCommand(configPath *string) *cobra.Command {
	var (
		databases           []string
		tablePatterns       []string
		invertTablePatterns bool
		schemaOnly          bool
		noAccess            bool
		noUDF               bool
		noSchema            bool
		noData              bool
		keepGoing           bool
		failOnAttachError   bool
	)

	cmd := &cobra.Command{
		Use:   "restore <backup-name>",
		Short: "Restore a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := buildEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			name := args[0]
			req := manager.RestoreRequest{
				BackupName: name,
				Databases:  databases,
				Filter:     manager.RestoreFilter{Patterns: tablePatterns, Invert: invertTablePatterns},
				Sources: manager.Sources{
					Access: !noAccess,
					UDF:    !noUDF,
					Schema: !noSchema,
					Data:   !noData,
				},
				SchemaOnly:               schemaOnly,
				KeepGoing:                keepGoing,
				RestoreFailOnAttachError: failOnAttachError,
				LocalLock:                env.localLock,
				DistributedLock:          env.distributedLock,
			}

			stop := logProgress(env.manager)
			defer stop()

			if err := env.manager.Restore(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restore of %s completed\n", name)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&databases, "database", nil, "database to restore (repeatable, default: all in backup)")
	cmd.Flags().StringSliceVar(&tablePatterns, "table", nil, "database.table glob pattern to restore (repeatable, default: all)")
	cmd.Flags().BoolVar(&invertTablePatterns, "exclude", false, "--table patterns exclude instead of include")
	cmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "restore schema objects without table data")
	cmd.Flags().BoolVar(&noAccess, "no-access", false, "skip access control objects")
	cmd.Flags().BoolVar(&noUDF, "no-udf", false, "skip user-defined functions")
	cmd.Flags().BoolVar(&noSchema, "no-schema", false, "has no effect: database/table schema is always included")
	cmd.Flags().BoolVar(&noData, "no-data", false, "skip table data parts")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue restoring remaining tables after a table fails")
	cmd.Flags().BoolVar(&failOnAttachError, "fail-on-attach-error", false, "has no effect: a part that fails to attach aborts the restore unless --keep-going is set")
	return cmd
}

func newDeleteCommand(configPath *string) *cobra.Command {
	var purgePartial bool

	cmd := &cobra.Command{
		Use:   "delete <backup-name>",
		Short: "Delete a single backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := buildEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.manager.Delete(ctx, args[0], purgePartial); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&purgePartial, "purge-partial", false, "also delete every backup not in the CREATED state")
	return cmd
}

func newPurgeCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Apply the retention policy, deleting backups it no longer retains",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := buildEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.manager.Purge(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "purge completed")
			return nil
		},
	}
	return cmd
}

func newListCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known backup names",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := buildEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			names, err := env.manager.Layout().GetBackupNames(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	return cmd
}

func newShowCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <backup-name>",
		Short: "Print a backup's metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := buildEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			backup, err := env.manager.Layout().GetBackupMetadata(ctx, args[0])
			if err != nil {
				return err
			}
			if backup == nil {
				return fmt.Errorf("backup %q not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(backup)
		},
	}
	return cmd
}

// logProgress drains Manager.Progress() in the background, logging a
// line per completed or deduplicated part so an operator following a
// backup on a terminal sees progress rather than silence until
// completion. Nothing ever closes the channel, so the goroutine is
// left running until the process exits rather than joined; the
// returned stop func is a no-op kept for call-site symmetry with
// defer.
func logProgress(m *manager.Manager) (stop func()) {
	go func() {
		for ev := range m.Progress() {
			if ev.Err != nil {
				fmt.Fprintf(os.Stderr, "progress: %s.%s part=%s failed: %v\n", ev.Database, ev.Table, ev.Part, ev.Err)
				continue
			}
			verb := "uploaded"
			if ev.Deduplicated {
				verb = "deduplicated"
			}
			fmt.Fprintf(os.Stderr, "progress: %s.%s part=%s %s (%d bytes)\n", ev.Database, ev.Table, ev.Part, verb, ev.Size)
		}
	}()
	return func() {}
}
