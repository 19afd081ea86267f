package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show the smart wallet address and state",
	Long:  `Derive the SimpleAccount address from the factory, owner and salt, and show whether it is deployed and its next nonce.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := loadWallet(cmd.Context())
		if err != nil {
			return err
		}
		defer w.Close()

		state, err := w.client.AccountState(cmd.Context())
		if err != nil {
			return err
		}
		nonce, err := w.nonces.Nonce(cmd.Context(), state.Sender)
		if err != nil {
			return err
		}

		fmt.Printf("entrypoint: %s (%s)\n", w.cfg.EntryPoint.Address.Hex(), w.cfg.EntryPoint.Version)
		fmt.Printf("factory:    %s\n", w.account.Factory().Hex())
		fmt.Printf("owner:      %s\n", w.account.Owner().Hex())
		fmt.Printf("sender:     %s\n", state.Sender.Hex())
		fmt.Printf("deployed:   %t\n", state.Deployed)
		fmt.Printf("nonce:      %s\n", nonce)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountCmd)
}
