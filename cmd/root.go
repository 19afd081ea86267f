package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var (
	configPath  = "./config/userop.yaml"
	metricsAddr = ""
	rootCmd     = &cobra.Command{
		Use:   "ap-userop",
		Short: "ERC-4337 user operation client",
		Long: `Build, sponsor, sign and submit ERC-4337 user operations from a SimpleAccount,
and replace the ones that get stuck in the bundler mempool.

Such as "ap-userop send --to 0x... --data 0x..." or "ap-userop replace <userOpHash>"
`,
		SilenceUsage: true,
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/userop.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while the command runs, e.g. :9090")
}
