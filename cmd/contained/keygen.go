package main

import (
	"fmt"

	"github.com/raskyld/contained/pkg/identity"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a peer keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return usageError("--out is required")
			}
			ident, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := ident.Save(out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), field("peer", AccentStyle.Render(ident.ID.String())))
			fmt.Fprintln(cmd.OutOrStdout(), field("keystore", out))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Path of the keystore to create")
	return cmd
}
