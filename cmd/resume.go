package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-attach to generations from a previous run",
	Long: `Re-attaches to every generation the local ledger believes is still
running server side and streams each reply to stdout. Chats whose
generation already finished are cleared from the ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, cleanup, err := newEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		sessions := eng.Resume(ctx)
		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "nothing to resume")
			return nil
		}

		var failed int
		for _, sess := range sessions {
			fmt.Fprintf(os.Stderr, "resuming chat %s\n", sess.WireChatID())
			if err := streamToStdout(ctx, eng, sess); err != nil {
				fmt.Fprintf(os.Stderr, "chat %s: %v\n", sess.WireChatID(), err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d resumed chats failed", failed, len(sessions))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
