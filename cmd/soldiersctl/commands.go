package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/spf13/cobra"
)

var (
	errNoSweeper = errors.New("sweeper is not available")
	errNoOwners  = errors.New("owner directory is not available")
)

func newGrantCmd() *cobra.Command {
	var (
		capabilities []string
		plan         string
		interval     string
		until        string
	)

	cmd := &cobra.Command{
		Use:   "grant <owner-id>",
		Short: "Grant capabilities without a provider purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := entdomain.GrantRequest{
				OwnerID:      args[0],
				Capabilities: capabilities,
				PlanKind:     entdomain.PlanKind(strings.ToUpper(strings.TrimSpace(plan))),
				Interval:     entdomain.Interval(strings.ToUpper(strings.TrimSpace(interval))),
				Actor:        actorFlag(cmd),
			}
			if until != "" {
				parsed, err := parseUntil(until)
				if err != nil {
					return err
				}
				req.Until = &parsed
			}

			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				result, err := d.Entitlements.Grant(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability to unlock (repeatable)")
	cmd.Flags().StringVar(&plan, "plan", "", "plan kind: single, bundle, starter or professional")
	cmd.Flags().StringVar(&interval, "interval", "", "billing interval: month or year")
	cmd.Flags().StringVar(&until, "until", "", "grant end as RFC3339 or YYYY-MM-DD")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var (
		capabilities []string
		all          bool
	)

	cmd := &cobra.Command{
		Use:   "revoke <owner-id>",
		Short: "Revoke capabilities or the whole entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(capabilities) == 0 {
				return errors.New("pass --capability or --all")
			}
			req := entdomain.RevokeRequest{
				OwnerID:      args[0],
				Capabilities: capabilities,
				All:          all,
				Actor:        actorFlag(cmd),
			}
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				result, err := d.Entitlements.Revoke(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability to revoke (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "delete the entitlement record")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <owner-id>",
		Short: "Cancel the provider subscription and clear the entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				result, err := d.Entitlements.CancelOwner(ctx, args[0], actorFlag(cmd))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reconcile <owner-id>",
		Short: "Reconcile one owner against the payment provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := entdomain.ReconcileRequest{
				OwnerID:    args[0],
				Email:      email,
				EntryPoint: entdomain.EntryAdmin,
			}
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				result, err := d.Entitlements.Reconcile(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email to look the customer up by")
	return cmd
}

func newShowCmd() *cobra.Command {
	var auditLimit int

	cmd := &cobra.Command{
		Use:   "show <owner-id>",
		Short: "Print the entitlement record and recent audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				record, err := d.Entitlements.Get(ctx, args[0])
				if err != nil && !errors.Is(err, entdomain.ErrNotFound) {
					return err
				}
				audit, err := d.Entitlements.ListAudit(ctx, args[0], auditLimit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"record": record,
					"audit":  audit,
				})
			})
		},
	}

	cmd.Flags().IntVar(&auditLimit, "audit-limit", 20, "number of audit entries to print")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep over stale entitlements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				if d.Sweeper == nil {
					return errNoSweeper
				}
				summary, err := d.Sweeper.RunOnce(ctx)
				if printErr := printJSON(cmd.OutOrStdout(), summary); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func newOwnersCmd() *cobra.Command {
	var (
		pageSize int
		from     string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "owners",
		Short: "List known owners, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, func(ctx context.Context, d *deps) error {
				if d.Owners == nil {
					return errNoOwners
				}
				out := cmd.OutOrStdout()
				enc := json.NewEncoder(out)
				it := d.Owners.Iterate(pageSize, from)
				printed := 0
				for (limit <= 0 || printed < limit) && it.Next(ctx) {
					if err := enc.Encode(it.Item()); err != nil {
						return err
					}
					printed++
				}
				if err := it.Err(); err != nil {
					return err
				}
				if token := it.Token(); token != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "resume with --from %s\n", token)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&pageSize, "page-size", 100, "owners fetched per page")
	cmd.Flags().StringVar(&from, "from", "", "page token to resume from")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many owners (0 lists all)")
	return cmd
}

func withDeps(cmd *cobra.Command, fn func(ctx context.Context, d *deps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, stop, err := connect(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer stop()
	return fn(ctx, d)
}

func actorFlag(cmd *cobra.Command) string {
	actor, _ := cmd.Flags().GetString("actor")
	return strings.TrimSpace(actor)
}

func parseUntil(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --until %q", value)
	}
	return parsed.Add(24*time.Hour - time.Second).UTC(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
