package cmd

import (
	"github.com/spf13/cobra"
)

var dialCmd = &cobra.Command{
	Use:   "dial <addr>",
	Short: "Connect to addr and pipe stdin and stdout through the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := engineFactory(cfg, log)
		if err != nil {
			return err
		}
		ch, err := dialChannel(ctx, cfg, f, args[0], log)
		if err != nil {
			return err
		}

		log.WithField("peer", ch.String()).Info("session established")
		return pipe(ctx, ch, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.PollInterval)
	},
}

func init() {
	rootCmd.AddCommand(dialCmd)
}
