// SPDX-License-Identifier: MIT

package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var compileCmd = &cobra.Command{
	Use:   "compile [file.lua | name=file.lua | Loader.cmd | archive.luaz]...",
	Short: "Compile Lua sources on the device and print the bytecode dump",
	Long: `Send each source to the device's compile command. The device compiles the
chunk without running it and answers with hex dump lines, which are printed
to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	session, err := connectSession()
	if err != nil {
		return err
	}
	defer session.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, arg := range args {
		if err := session.LoadArg(ctx, arg, true); err != nil {
			return err
		}
	}
	return nil
}
