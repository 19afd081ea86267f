package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var (
	sendArgs struct {
		to          string
		value       string
		data        string
		rawCallData string
		noWait      bool
		timeout     time.Duration
	}

	sendCmd = &cobra.Command{
		Use:   "send",
		Short: "Send a call from the smart wallet",
		Long: `Wrap a call in SimpleAccount.execute, sponsor it when a paymaster is configured,
sign it with the controller key and submit it to the bundler. By default the command
waits for the receipt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			callData, err := sendCallData()
			if err != nil {
				return err
			}

			w, err := loadWallet(cmd.Context())
			if err != nil {
				return err
			}
			defer w.Close()

			resp, err := w.client.SendUserOp(cmd.Context(), callData)
			if err != nil {
				var subErr *preset.SubmissionError
				if errors.As(err, &subErr) {
					printJSON(map[string]any{"rejected": subErr.Op, "userOpHash": subErr.UserOpHash})
				}
				return err
			}
			fmt.Printf("userOpHash: %s\n", resp.Hash.Hex())

			if sendArgs.noWait {
				return nil
			}
			return waitAndPrint(cmd.Context(), w, resp, sendArgs.timeout)
		},
	}
)

// sendCallData is the account calldata for the flags: either raw or an execute call.
func sendCallData() ([]byte, error) {
	if sendArgs.rawCallData != "" {
		return hexutil.Decode(sendArgs.rawCallData)
	}

	if !common.IsHexAddress(sendArgs.to) {
		return nil, fmt.Errorf("--to %q is not an address", sendArgs.to)
	}
	value, err := userop.ParseQuantity(sendArgs.value)
	if err != nil {
		return nil, fmt.Errorf("--value: %w", err)
	}
	data, err := hexutil.Decode(sendArgs.data)
	if err != nil {
		return nil, fmt.Errorf("--data: %w", err)
	}
	return aa.PackExecute(common.HexToAddress(sendArgs.to), value, data)
}

func waitAndPrint(ctx context.Context, w *wallet, resp *preset.Response, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = w.cfg.ReceiptTimeout
	}

	receipt, err := resp.Wait(ctx, timeout)
	if errors.Is(err, preset.ErrWaitTimeout) {
		fmt.Printf("still pending, run `ap-userop replace %s` to bump its fees\n", resp.Hash.Hex())
	}
	if err != nil {
		return err
	}
	printJSON(receipt)
	if !receipt.Success {
		return fmt.Errorf("user operation %s reverted: %s", resp.Hash.Hex(), receipt.Reason)
	}
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(out))
}

func init() {
	sendCmd.Flags().StringVar(&sendArgs.to, "to", "", "Target contract or EOA")
	sendCmd.Flags().StringVar(&sendArgs.value, "value", "0", "Wei to send, decimal or 0x hex")
	sendCmd.Flags().StringVar(&sendArgs.data, "data", "0x", "Calldata for the target")
	sendCmd.Flags().StringVar(&sendArgs.rawCallData, "raw-calldata", "", "Account calldata to send as is, instead of --to/--value/--data")
	sendCmd.Flags().BoolVar(&sendArgs.noWait, "no-wait", false, "Return right after submission")
	sendCmd.Flags().DurationVar(&sendArgs.timeout, "timeout", 0, "How long to wait for the receipt (default receipt_timeout)")
	rootCmd.AddCommand(sendCmd)
}
