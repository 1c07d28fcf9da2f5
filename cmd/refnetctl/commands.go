package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vanshika/refnet/backend/internal/app"
	"github.com/vanshika/refnet/backend/internal/referralcode"
	"github.com/vanshika/refnet/backend/internal/store"
)

type builder func(ctx context.Context) (*app.App, error)

// cli carries the lazily built App between cobra hooks.
type cli struct {
	build builder
	app   *app.App
}

func newRootCmd(build builder) *cobra.Command {
	c := &cli{build: build}

	root := &cobra.Command{
		Use:           "refnetctl",
		Short:         "Inspect and maintain the referral network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}

	root.AddCommand(
		c.userCmd("chain", "Print the referral chain from the user up to its root", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.Chain(ctx, id)
		}),
		c.userCmd("upline", "Print the user's ancestors", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.Upline(ctx, id)
		}),
		c.userCmd("root", "Print the root of the user's tree", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.Root(ctx, id)
		}),
		c.userCmd("integrity", "Validate the user's referral chain", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.Integrity(ctx, id)
		}),
		c.userCmd("stats", "Compute chain statistics for a user", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.Stats(ctx, id)
		}),
		c.userCmd("promote", "Check and apply role progression for a user", func(ctx context.Context, a *app.App, id string) (any, error) {
			return a.Service.CheckRole(ctx, id)
		}),
		c.recomputeCmd(),
		c.rolesCmd(),
		codeCmd(c),
	)
	return root
}

func (c *cli) ensure(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := c.build(ctx)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) userCmd(use, short string, run func(ctx context.Context, a *app.App, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " USER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.ensure(cmd.Context())
			if err != nil {
				return err
			}
			out, err := run(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func (c *cli) recomputeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "recompute [USER_ID...]",
		Short: "Refresh stored statistics and re-evaluate roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass user ids or --all")
			}
			a, err := c.ensure(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				summary, err := a.Service.RecomputeAll(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"stats": a.Service.BatchUpdateUserStatistics(cmd.Context(), args),
				"roles": a.Service.BatchCheckRoles(cmd.Context(), args),
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "recompute every user")
	return cmd
}

func (c *cli) rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the configured role ladder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.ensure(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a.Ladder.Roles())
		},
	}
}

func codeCmd(c *cli) *cobra.Command {
	codec := referralcode.Default()
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Referral code utilities",
	}

	var seed int64
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a referral code; deterministic when --seed is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				code string
				err  error
			)
			if cmd.Flags().Changed("seed") {
				code = codec.Generate(seed)
			} else if code, err = codec.Random(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), code)
			return err
		},
	}
	generate.Flags().Int64Var(&seed, "seed", 0, "seed for deterministic generation")

	check := &cobra.Command{
		Use:   "check CODE",
		Short: "Validate a code's format and look up its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !codec.IsValidFormat(referralcode.Normalize(args[0])) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"code": args[0], "valid": false, "reason": "invalid format"})
			}
			a, err := c.ensure(cmd.Context())
			if err != nil {
				return err
			}
			code, err := a.Store.GetCode(cmd.Context(), referralcode.Normalize(args[0]))
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return printJSON(cmd.OutOrStdout(), map[string]any{"code": args[0], "valid": false, "reason": "unknown code"})
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"code": code.Code, "valid": code.Active, "ownerId": code.OwnerID})
		},
	}

	collision := &cobra.Command{
		Use:   "collision N",
		Short: "Estimate the probability of a collision among N issued codes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("N must be a non-negative integer")
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"issued":       n,
				"combinations": codec.TotalCombinations(),
				"probability":  codec.EstimateCollisionProbability(n),
			})
		},
	}

	cmd.AddCommand(generate, check, collision)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
