// Command warplock acquires, releases and inspects distributed locks kept in
// Redis.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var (
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "warplock",
		Short: "best-effort distributed mutex on Redis",
		Long: fmt.Sprintf(`warplock (v%s)

Acquire and release named locks shared by every process that talks to the
same Redis. Locks carry a TTL, so a crashed holder frees them on expiry.`, version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(cmd); err != nil {
				return err
			}
			l, err := newLogger(viper.GetString("log-level"))
			if err != nil {
				return err
			}
			logger = l
			slog.SetDefault(l)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of warplock",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warplock v%s\n", version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	setupRootFlags(rootCmd)

	rootCmd.AddCommand(lockCmd, unlockCmd, holdCmd, sweepCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
