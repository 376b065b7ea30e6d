package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/presets"
)

// one-shot commands must not clear locks held by other processes
var noSweep = lock.WithoutStartupSweep()

var (
	lockCmd = &cobra.Command{
		Use:   "lock [name]",
		Short: "Acquire a lock and exit, leaving it to expire with its TTL",
		Args:  cobra.ExactArgs(1),
		RunE:  runLock,
	}

	unlockCmd = &cobra.Command{
		Use:   "unlock [name]",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnlock,
	}

	holdCmd = &cobra.Command{
		Use:   "hold [name]",
		Short: "Acquire a lock and hold it until interrupted",
		Long: `Acquire a lock and hold it until SIGINT or SIGTERM, then release it
through the shutdown hook. The lock still expires with its TTL.`,
		Args: cobra.ExactArgs(1),
		RunE: runHold,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Delete every lock under the prefix",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}

	statusCmd = &cobra.Command{
		Use:   "status [name...]",
		Short: "Show the lock records of the given names, or of every lock",
		RunE:  runStatus,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{lockCmd, holdCmd} {
		cmd.Flags().String("description", "warplock cli", "lock record stored as the value")
		cmd.Flags().Duration("timeout", lock.DefaultTimeout, "polling lock timeout")
		cmd.Flags().Bool("lease", false, "use the notification lock with a lease")
		cmd.Flags().Duration("wait", lock.DefaultWaitTime, "lease lock wait time")
		cmd.Flags().Duration("lease-time", lock.DefaultLeaseTime, "lease lock TTL")
	}
	unlockCmd.Flags().Bool("lease", false, "release through the script that wakes waiters")

	holdCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	holdCmd.Flags().Bool("trace", false, "print OpenTelemetry spans to stdout")
}

// acquire locks name with the variant chosen by --lease and returns the
// matching shutdown hook.
func acquire(ctx context.Context, opts presets.RedisOptions, name string) (bool, func(context.Context) error, error) {
	desc := viper.GetString("description")
	if viper.GetBool("lease") {
		m, err := presets.NewRedisLeaseMutex(ctx, opts, noSweep, lock.WithLogger(logger))
		if err != nil {
			return false, nil, err
		}
		ok, err := m.LockWithLease(ctx, name, desc, viper.GetDuration("wait"), viper.GetDuration("lease-time"))
		return ok, m.Shutdown, err
	}
	m, err := presets.NewRedisMutex(ctx, opts, noSweep, lock.WithLogger(logger))
	if err != nil {
		return false, nil, err
	}
	return m.Lock(ctx, name, desc, viper.GetDuration("timeout")), m.Shutdown, nil
}

func runLock(cmd *cobra.Command, args []string) error {
	opts, err := redisOptions()
	if err != nil {
		return err
	}
	ok, _, err := acquire(cmd.Context(), opts, args[0])
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=%v\n", ok)
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts, err := redisOptions()
	if err != nil {
		return err
	}
	var released bool
	if viper.GetBool("lease") {
		m, err := presets.NewRedisLeaseMutex(ctx, opts, noSweep, lock.WithLogger(logger))
		if err != nil {
			return err
		}
		if released, err = m.UnlockLease(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
	} else {
		m, err := presets.NewRedisMutex(ctx, opts, noSweep, lock.WithLogger(logger))
		if err != nil {
			return err
		}
		released = m.Unlock(ctx, args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released=%v\n", released)
	return nil
}

func runHold(cmd *cobra.Command, args []string) error {
	opts, err := redisOptions()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopTelemetry, err := startTelemetry(ctx, viper.GetString("metrics-addr"), viper.GetBool("trace"))
	if err != nil {
		return err
	}
	defer stopTelemetry()

	ok, shutdown, err := acquire(ctx, opts, args[0])
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=%v\n", ok)
	if !ok {
		return nil
	}
	logger.Info("warplock: holding lock, interrupt to release", "name", args[0])
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(sctx); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "released=true")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	opts, err := redisOptions()
	if err != nil {
		return err
	}
	m, err := presets.NewRedisMutex(ctx, opts, noSweep, lock.WithLogger(logger))
	if err != nil {
		return err
	}
	n, err := m.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep locks: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "swept=%d\n", n)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	opts, err := redisOptions()
	if err != nil {
		return err
	}
	store := opts.Store()
	keys := make([]string, 0, len(args))
	for _, name := range args {
		keys = append(keys, opts.Prefix+name)
	}
	if len(keys) == 0 {
		if keys, err = store.Keys(ctx, opts.Prefix); err != nil {
			return fmt.Errorf("failed to list locks: %w", err)
		}
	}
	out := cmd.OutOrStdout()
	for _, key := range keys {
		record, ok, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok {
			fmt.Fprintf(out, "%s held=false\n", key)
			continue
		}
		fmt.Fprintf(out, "%s held=true record=%q\n", key, record)
	}
	return nil
}
