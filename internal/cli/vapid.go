package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/push"
)

// NewVAPIDCommand creates the vapid command, which prints a fresh key pair
// in environment variable form.
func NewVAPIDCommand(_ *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for web push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "FAMBAM_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Fprintf(out, "FAMBAM_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	}
}
