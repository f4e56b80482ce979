package main

import (
	"fmt"

	"github.com/PelicanPlatform/classad/classad"
	"github.com/spf13/cobra"

	"github.com/bbockelm/linkauth/auth"
)

// lookupAd describes how authname resolves, without the password
func lookupAd(data *auth.AuthData, err error) *classad.ClassAd {
	ad := classad.New()
	_ = ad.Set("User", data.Authname)
	_ = ad.Set("HasPassword", data.Password != "")
	_ = ad.Set("External", data.External)
	if data.External {
		_ = ad.Set("ExternalCommand", data.ExtCmd)
	}
	if data.RangeValid {
		_ = ad.Set("PeerAllow", data.Range.String())
	}
	if err != nil {
		_ = ad.Set("ReturnCode", "DENIED")
		_ = ad.Set("Reason", auth.ReasonOf(err).String())
		_ = ad.Set("ErrorString", err.Error())
	} else {
		_ = ad.Set("ReturnCode", "AUTHORIZED")
	}
	return ad
}

func lookupCmd(opts *rootOptions) *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "lookup AUTHNAME",
		Short: "Resolve an identity the way an inbound login would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.stack()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			data, err := st.Resolver.Resolve(ctx, args[0], true)
			if err == nil && !skipPolicy {
				err = st.Policy.CheckMaxLogins(ctx, data.Authname, true)
			}
			fmt.Fprintln(cmd.OutOrStdout(), lookupAd(data, err).String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not apply the login limit")
	return cmd
}
