package cmd

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var (
	replaceArgs struct {
		noWait  bool
		timeout time.Duration
	}

	replaceCmd = &cobra.Command{
		Use:   "replace <userOpHash>",
		Short: "Replace a stuck user operation with a higher-fee copy",
		Long: `Fetch a pending user operation from the bundler, re-price and re-sponsor it,
sign it again and resubmit it. Nothing is sent when the original has landed in the meantime.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashBytes := common.FromHex(args[0])
			if len(hashBytes) != common.HashLength {
				return fmt.Errorf("%q is not a user operation hash", args[0])
			}

			w, err := loadWallet(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			result, err := w.client.DropAndReplace(cmd.Context(), common.BytesToHash(hashBytes))
			if err != nil {
				return err
			}
			if result.Landed() {
				fmt.Println("original user operation already landed")
				printJSON(result.Receipt)
				return nil
			}

			fmt.Printf("replacement userOpHash: %s\n", result.Response.Hash.Hex())
			if replaceArgs.noWait {
				return nil
			}
			return waitAndPrint(cmd.Context(), w, result.Response, replaceArgs.timeout)
		},
	}
)

func init() {
	replaceCmd.Flags().BoolVar(&replaceArgs.noWait, "no-wait", false, "Return right after resubmission")
	replaceCmd.Flags().DurationVar(&replaceArgs.timeout, "timeout", 0, "How long to wait for the receipt (default receipt_timeout)")
	rootCmd.AddCommand(replaceCmd)
}
