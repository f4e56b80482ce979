package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bbockelm/linkauth/auth"
	"github.com/bbockelm/linkauth/protocols"
)

func renderFailMessage(proto, alg, reason, override string) (string, error) {
	p, ok := protocols.ParseProtocol(proto)
	if !ok || p == protocols.None {
		return "", errors.Errorf("unknown protocol %q", proto)
	}
	var a protocols.ChapAlg
	if p == protocols.CHAP {
		if a, ok = protocols.ParseChapAlg(alg); !ok {
			return "", errors.Errorf("unknown CHAP algorithm %q", alg)
		}
	}
	why, ok := auth.ParseFailReason(reason)
	if !ok {
		return "", errors.Errorf("unknown reason %q", reason)
	}
	return auth.FailMessage(p, a, why, override), nil
}

// failmsgCmd needs no configuration; it skips the root's config loading.
func failmsgCmd() *cobra.Command {
	var proto, alg, reason, override string

	cmd := &cobra.Command{
		Use:   "failmsg",
		Short: "Print the message a peer receives for a rejected login",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := renderFailMessage(proto, alg, reason, override)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&proto, "proto", "CHAP", "PAP or CHAP")
	cmd.Flags().StringVar(&alg, "alg", "MD5", "CHAP algorithm: MD5, MSOFT or MSOFTv2")
	cmd.Flags().StringVar(&reason, "reason", auth.InvalidLogin.String(), "failure reason")
	cmd.Flags().StringVar(&override, "override", "", "operator MS-CHAP message")
	return cmd
}
