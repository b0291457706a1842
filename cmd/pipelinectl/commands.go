package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/bootstrap"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/config"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/models"
	"github.com/akhileshmishra13april91/healthtech-production-pipeline/internal/telemetry"
)

const serviceName = "pipelinectl"

// rootOptions holds the global flags.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the clinical document intake pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.GetEnv(config.EnvConfigPath, config.DefaultConfigFile), "pipeline configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newListRunningCommand(opts))
	cmd.AddCommand(newResumeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newGrantCommand(opts))
	return cmd
}

// open loads the config and connects to its backends.
func (o *rootOptions) open(cmd *cobra.Command) (*bootstrap.Deps, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if o.verbose {
		logger = telemetry.NewLoggerTo(cmd.ErrOrStderr(), serviceName, cfg.Level())
	}
	return bootstrap.Open(cmd.Context(), cfg, serviceName, logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return err
			}
			trigger, _ := cfg.Zone(cfg.Trigger.Zone)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d zones, trigger %s -> %s)\n", opts.configPath, len(cfg.Zones), trigger.Name, trigger.Bucket)
			if cfg.HasAlias() {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: datastore_id is deprecated, use record_store")
			}
			return nil
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Print one execution with its stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer deps.Close()
			exec, err := deps.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
}

func newListRunningCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "list-running",
		Short: "List running executions that have not progressed recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer deps.Close()
			execs, err := deps.Store.ListRunning(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			for _, e := range execs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", e.ID, e.State, e.UpdatedAt.Format(time.RFC3339), e.DocumentKey)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 15*time.Minute, "only executions idle for at least this long")
	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>...",
		Short: "Publish run requests so the workers pick executions up again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer deps.Close()
			dispatcher, err := deps.RunDispatcher(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := dispatcher.Dispatch(cmd.Context(), id); err != nil {
					return fmt.Errorf("resume %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: queued\n", id)
			}
			return nil
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <execution-id>",
		Short: "Drive one execution to a terminal state from this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer deps.Close()
			handlers, err := deps.StageHandlers(cmd.Context())
			if err != nil {
				return err
			}
			if err := deps.Orchestrator(handlers).Run(cmd.Context(), args[0]); err != nil {
				return err
			}
			exec, err := deps.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", exec.ID, exec.State)
			return nil
		},
	}
}

func newGrantCommand(opts *rootOptions) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "grant <object-key>",
		Short: "Issue a single-use upload URL into the triggering zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer deps.Close()
			g, _, err := deps.Gateway()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := g.IssueGrant(ctx, models.GrantRequest{ObjectKey: args[0], ContentType: contentType})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type the upload must carry")
	return cmd
}
