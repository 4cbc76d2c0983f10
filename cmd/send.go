package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oxwell/streamchat/pkg/engine"
	"github.com/oxwell/streamchat/pkg/streaming"
)

var sendChatID string

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message and stream the reply",
	Long: `Sends a message and prints the assistant's reply incrementally as it
streams. Without --chat a new conversation is created; its id is printed
on stderr so followups can continue it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, cleanup, err := newEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if sendChatID != "" {
			if err := eng.OpenChat(ctx, sendChatID); err != nil {
				return err
			}
		}

		sess, err := eng.Send(ctx, sendChatID, strings.Join(args, " "), nil)
		if err != nil {
			return err
		}
		if err := streamToStdout(ctx, eng, sess); err != nil {
			return err
		}

		if sendChatID == "" && sess.WireChatID() != "" {
			fmt.Fprintf(os.Stderr, "chat: %s\n", sess.WireChatID())
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendChatID, "chat", "", "continue an existing chat")
	rootCmd.AddCommand(sendCmd)
}

// streamToStdout prints the session's assistant content incrementally until
// it reaches a terminal state. Interrupts cancel the generation.
func streamToStdout(ctx context.Context, eng *engine.Engine, sess *streaming.Session) error {
	chatKey := sess.ChatKey()
	sub := eng.Subscribe(chatKey)
	defer eng.Unsubscribe(chatKey, sub)

	printed := 0
	flush := func() {
		content := sess.Accumulated()
		if len(content) < printed {
			// A re-attached stream replays from the start.
			printed = 0
		}
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	}

	ctxDone := ctx.Done()
	for {
		select {
		case <-sub:
			flush()
		case <-sess.Done():
			flush()
			fmt.Println()
			if errInfo := sess.LastError(); errInfo != nil {
				return fmt.Errorf("generation failed (%s): %s", errInfo.Category, errInfo.Message)
			}
			if sess.State() == streaming.StateCancelled {
				fmt.Fprintln(os.Stderr, "cancelled")
			}
			return nil
		case <-ctxDone:
			sess.Cancel()
			ctxDone = nil
		}
	}
}
