package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"perpsim/artifact"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run_dir_a> <run_dir_b>",
		Short: "Compare two run directories' hash chains",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := artifact.Verify(args[0], args[1])
			var mismatch *artifact.HashMismatch
			if errors.As(err, &mismatch) {
				log.Error().Str("which", mismatch.Which).
					Str("a", mismatch.A).Str("b", mismatch.B).Msg("hash mismatch")
				return err
			}
			if err != nil {
				return err
			}
			fmt.Println("ok: run hashes match")
			return nil
		},
	}
}
