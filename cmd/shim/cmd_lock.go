package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"shim/pkg/lock"

	"github.com/spf13/cobra"
)

// errLockNotHeld is returned when a token no longer owns the lock.
var errLockNotHeld = errors.New("lock not held by this token")

// newLockCmd creates the lock command group. Locks are shared by every
// process on the state database, so scripts can serialize work on a named
// resource.
func newLockCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire and release named resource locks",
	}
	cmd.AddCommand(
		newLockAcquireCmd(opts),
		newLockReleaseCmd(opts),
		newLockExtendCmd(opts),
		newLockShowCmd(opts),
		newLockRunCmd(opts),
	)
	return cmd
}

func lockFlags(cmd *cobra.Command, lo *lock.Options) {
	cmd.Flags().DurationVar(&lo.TTL, "ttl", lock.DefaultTTL, "how long the lock is held before it expires")
	cmd.Flags().DurationVar(&lo.Timeout, "timeout", 0, "how long to keep trying while someone else holds it")
}

func newLockAcquireCmd(opts *rootOptions) *cobra.Command {
	var lo lock.Options
	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Acquire a lock and print its owner token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				token, ok, err := a.locks.Acquire(ctx, args[0], lo)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], lock.ErrNotAcquired)
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	lockFlags(cmd, &lo)
	return cmd
}

func newLockReleaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <resource> <token>",
		Short: "Release a lock held by token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				ok, err := a.locks.Release(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], errLockNotHeld)
				}
				return nil
			})
		},
	}
}

func newLockExtendCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "extend <resource> <token>",
		Short: "Push the expiry of a held lock",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				ok, err := a.locks.Extend(ctx, args[0], args[1], ttl)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], errLockNotHeld)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", lock.DefaultTTL, "new lifetime from now")
	return cmd
}

func newLockShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <resource>",
		Short: "Show who holds a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				row, err := a.locks.Info(ctx, args[0])
				if err != nil {
					return err
				}
				if row == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is free\n", args[0])
					return nil
				}
				return printJSON(cmd.OutOrStdout(), row)
			})
		},
	}
}

func newLockRunCmd(opts *rootOptions) *cobra.Command {
	var lo lock.Options
	cmd := &cobra.Command{
		Use:   "run <resource> -- <command> [args...]",
		Short: "Run a command while holding a lock",
		Long: "Acquires the lock, runs the command and releases the lock when it exits.\n" +
			"The lock expires after --ttl even if the command is still running.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return a.locks.WithLock(ctx, args[0], lo, func(ctx context.Context) error {
					//nolint:gosec // running the user's command is the point
					c := exec.CommandContext(ctx, args[1], args[2:]...)
					c.Stdin = cmd.InOrStdin()
					c.Stdout = cmd.OutOrStdout()
					c.Stderr = cmd.ErrOrStderr()
					return c.Run()
				})
			})
		},
	}
	lockFlags(cmd, &lo)
	return cmd
}
