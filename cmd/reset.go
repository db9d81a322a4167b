// SPDX-License-Identifier: MIT

package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the device's Lua interpreter",
	Long: `Discard all interpreter state on the device: loaded modules, globals, and
registered handlers. The interpreter is recreated from scratch.`,
	Args: cobra.NoArgs,
	RunE: runResetCmd,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runResetCmd(cmd *cobra.Command, args []string) error {
	session, err := connectSession()
	if err != nil {
		return err
	}
	defer session.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return session.Reset(ctx)
}
