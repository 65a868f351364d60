package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/obeci/obeci/backend/go-services/internal/app"
	"github.com/obeci/obeci/backend/go-services/internal/config"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/repository"
	"github.com/obeci/obeci/backend/go-services/internal/instrument/service"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Format  string // "json" | "text"
	Timeout time.Duration

	loadConfig func() (*config.Config, error)
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(config.LoadConfig)
}

// newRootCommandWith lets tests supply configuration without the environment.
func newRootCommandWith(load func() (*config.Config, error)) *cobra.Command {
	opts := &rootOptions{loadConfig: load}

	cmd := &cobra.Command{
		Use:   "instrumentctl",
		Short: "Operate the instrument document store",
		Long:  "Maintenance commands for class instrument documents.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall command timeout")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newProvisionCommand(opts))
	cmd.AddCommand(newChangesCommand(opts))
	return cmd
}

// withBackends opens the configured store for the duration of fn.
func withBackends(opts *rootOptions, fn func(ctx context.Context, b *app.Backends) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	b, err := app.OpenBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close(context.Background())
	return fn(ctx, b)
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create indexes or tables and backfill legacy versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(opts, func(ctx context.Context, b *app.Backends) error {
				if err := b.Store.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				var backfilled int64
				if ms, ok := b.Store.(*repository.MongoStore); ok {
					n, err := ms.BackfillVersions(ctx)
					if err != nil {
						return fmt.Errorf("backfill versions: %w", err)
					}
					backfilled = n
				}
				return output(cmd.OutOrStdout(), opts.Format, map[string]interface{}{"migrated": true, "backfilled": backfilled},
					fmt.Sprintf("schema up to date; %d legacy documents backfilled\n", backfilled))
			})
		},
	}
}

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the instrument document of a class if it is missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner <= 0 {
				return errors.New("--owner must be a positive class id")
			}
			return withBackends(opts, func(ctx context.Context, b *app.Backends) error {
				doc, err := service.New(b.Store).EnsureForOwner(ctx, owner)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts.Format, doc,
					fmt.Sprintf("owner %d: document %s at version %d\n", doc.OwnerID, doc.ID, doc.Version))
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "class id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newChangesCommand(opts *rootOptions) *cobra.Command {
	var owner int64
	var limit int
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Print the newest change-log entries of a class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(opts, func(ctx context.Context, b *app.Backends) error {
				entries, err := service.New(b.Store).RecentChanges(ctx, owner, limit)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return output(cmd.OutOrStdout(), "json", entries, "")
				}
				w := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintf(w, "no changes recorded for owner %d\n", owner)
					return nil
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%s  %-20s %-16s %s\n", e.CreatedAt.Format(time.RFC3339), e.Actor, e.EventType, e.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "class id (required)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries (1-200)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func output(w io.Writer, format string, v interface{}, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := io.WriteString(w, text)
	return err
}
