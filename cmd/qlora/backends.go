package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newBackendsCmd() *cobra.Command {
	var selectName string
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List detected kernel backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if selectName != "" {
				if err := registry.Select(selectName); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			available := registry.Available()
			if len(available) == 0 {
				fmt.Fprintln(out, "available: none")
			} else {
				fmt.Fprintf(out, "available: %s\n", strings.Join(available, ", "))
			}
			fmt.Fprintf(out, "active:    %s\n", registry.ActiveName())
			return nil
		},
	}
	cmd.Flags().StringVar(&selectName, "select", "", "Switch the active backend before listing")
	return cmd
}
