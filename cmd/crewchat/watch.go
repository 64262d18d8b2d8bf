package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	crewchat "github.com/crewchat/crewchat-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log socket activity")
}

var watchCmd = &cobra.Command{
	Use:   "watch <channel-id | dm:id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation over the realtime socket and print messages, edits, deletions and typing indicators as they happen. Interrupt with Ctrl-C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseTarget(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		log := zerolog.Nop()
		if watchVerbose {
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
				With().Timestamp().Logger()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session, err := crewchat.NewSession(ctx, client, crewchat.SessionConfig{Logger: log})
		if err != nil {
			return fmt.Errorf("cannot start session: %w", err)
		}
		defer session.Close()

		session.Bus.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "-- disconnected: %s\n", reason)
		})
		session.Bus.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d, in %s)\n", attempt, delay)
		})

		printed := make(map[int64]bool)
		var view *crewchat.ConversationView
		printNew := func() {
			if view == nil {
				return
			}
			for _, m := range view.Messages() {
				if printed[m.ID] || m.Deleted {
					continue
				}
				printed[m.ID] = true
				printMessage(&m)
			}
		}
		view, err = session.OpenConversation(ctx, ref, crewchat.ConversationViewOptions{
			OnChanged: printNew,
		})
		if err != nil {
			if crewchat.Forbidden(err) {
				return fmt.Errorf("you do not have access to %s", ref)
			}
			return fmt.Errorf("cannot open %s: %w", ref, err)
		}
		defer view.Close()
		printNew()

		session.Typing.OnChanged(func(key string) {
			if key != ref.Key() {
				return
			}
			if label := crewchat.TypingLabel(session.Typing.Typers(key)); label != "" {
				fmt.Fprintf(os.Stderr, "-- %s\n", label)
			}
		})

		fmt.Fprintf(os.Stderr, "Watching %s. Ctrl-C to stop.\n", ref)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Fprintln(os.Stderr, "Stopping.")
		return nil
	},
}
