package cmd

import (
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen <addr>",
	Short: "Accept one peer on addr and pipe stdin and stdout through the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := engineFactory(cfg, log)
		if err != nil {
			return err
		}
		ch, release, err := acceptChannel(ctx, cfg, f, args[0], log)
		if err != nil {
			return err
		}
		defer release()

		log.WithField("peer", ch.String()).Info("session established")
		return pipe(ctx, ch, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.PollInterval)
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
