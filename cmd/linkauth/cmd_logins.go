package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func loginsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logins AUTHNAME",
		Short: "Count the links open under an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.stack()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Registry.CountOpenSessions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			max := "unlimited"
			if m := st.Policy.MaxLogins(); m > 0 {
				max = fmt.Sprint(m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d open (max %s)\n", args[0], n, max)
			return nil
		},
	}
}
