package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	crewchat "github.com/crewchat/crewchat-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// me
	meJSON bool

	// channels
	channelsJSON bool

	// history
	historyLimit  int
	historyBefore int64
	historyJSON   bool

	// send
	sendFiles []string
)

func init() {
	rootCmd.AddCommand(meCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)

	meCmd.Flags().BoolVar(&meJSON, "json", false, "Output raw JSON")
	channelsCmd.Flags().BoolVar(&channelsJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum messages to fetch")
	historyCmd.Flags().Int64Var(&historyBefore, "before", 0, "Fetch messages older than this id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringSliceVar(&sendFiles, "file", nil, "Attach a file (repeatable)")
}

// getClient creates a Crewchat client from the saved configuration.
func getClient() *crewchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'crewchat config set auth.token <token>' first.")
		os.Exit(1)
	}

	var opts []crewchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, crewchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return crewchat.NewClient(cfg.Auth.Token, opts...)
}

// parseTarget resolves a conversation argument: a bare number is a channel
// id, "dm:<id>" a direct conversation.
func parseTarget(arg string) (crewchat.ConversationRef, error) {
	if rest, ok := strings.CutPrefix(arg, "dm:"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return crewchat.ConversationRef{}, fmt.Errorf("invalid direct conversation id %q", rest)
		}
		return crewchat.DirectRef(id), nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return crewchat.ConversationRef{}, fmt.Errorf("invalid conversation %q (use a channel id or dm:<id>)", arg)
	}
	return crewchat.ChannelRef(id), nil
}

// ============================================================================
// me
// ============================================================================

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the authenticated account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if meJSON {
			return printJSON(me)
		}
		fmt.Printf("User ID:   %d\n", me.ID)
		fmt.Printf("Username:  %s\n", me.Username)
		if me.DisplayName != "" {
			fmt.Printf("Display:   %s\n", me.DisplayName)
		}
		return nil
	},
}

// ============================================================================
// channels
// ============================================================================

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		channels, err := client.Channels.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if channelsJSON {
			return printJSON(channels)
		}
		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, ch := range channels {
			line := fmt.Sprintf("%6d  #%s", ch.ID, ch.Name)
			if ch.Topic != "" {
				line += "  | " + ch.Topic
			}
			fmt.Println(line)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <channel-id | dm:id>",
	Short: "Show message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseTarget(args[0])
		if err != nil {
			return err
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.Messages.History(ctx, ref, crewchat.HistoryOptions{
			Limit:  historyLimit,
			Before: historyBefore,
		})
		if err != nil {
			if crewchat.Forbidden(err) {
				return fmt.Errorf("you do not have access to %s", ref)
			}
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			return printJSON(page)
		}
		for _, m := range page.Messages {
			printMessage(&m)
		}
		if page.HasMore && len(page.Messages) > 0 {
			fmt.Printf("(older history available, use --before %d)\n", page.Messages[0].ID)
		}
		return nil
	},
}

func printMessage(m *crewchat.Message) {
	ts := m.CreatedAt.Local().Format("15:04")
	if m.Deleted {
		fmt.Printf("[%s] %-12s (message deleted)\n", ts, m.SenderName)
		return
	}
	text := m.Text()
	if m.Edited {
		text += " (edited)"
	}
	fmt.Printf("[%s] %-12s %s\n", ts, m.SenderName, text)
	for _, a := range m.Attachments {
		fmt.Printf("       %-12s ↳ %s (%d bytes)\n", "", a.FileName, a.Size)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <channel-id | dm:id> [message]",
	Short: "Send a message, optionally with attachments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseTarget(args[0])
		if err != nil {
			return err
		}
		content := ""
		if len(args) > 1 {
			content = args[1]
		}
		if content == "" && len(sendFiles) == 0 {
			return fmt.Errorf("nothing to send: provide a message or --file")
		}

		var files []crewchat.FileUpload
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
			files = append(files, crewchat.FileUpload{
				Name: filepath.Base(path),
				Data: data,
			})
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		view := crewchat.NewConversationView(client.Messages, client.Attachments, nil, nil, nil,
			crewchat.ConversationViewOptions{
				Self: *me,
				OnFileError: func(name string, err error) {
					fmt.Fprintf(os.Stderr, "Upload of %s failed: %v\n", name, err)
				},
			})
		if err := view.Open(ctx, ref); err != nil {
			if crewchat.Forbidden(err) {
				return fmt.Errorf("you do not have access to %s", ref)
			}
			return fmt.Errorf("cannot open %s: %w", ref, err)
		}
		defer view.Close()

		if err := view.Send(ctx, content, files); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println("Sent.")
		return nil
	},
}
