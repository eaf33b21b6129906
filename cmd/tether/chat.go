package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	tether "github.com/tetherline/tether-go"
)

var (
	chatHistoryPages int
	chatHistoryJSON  bool
	chatSearchLimit  int
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatSearchCmd)
	chatCmd.AddCommand(chatReadCmd)

	chatHistoryCmd.Flags().IntVar(&chatHistoryPages, "pages", 1, "Number of history pages to load")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")
	chatSearchCmd.Flags().IntVar(&chatSearchLimit, "limit", 50, "Maximum number of results")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Read and send messages",
	Long:  "Work with a single conversation: view history, send messages, and watch live.",
}

func printMessage(eng *engine, m tether.Message) {
	who := m.SenderID
	if who == eng.userID {
		who = "me"
	}
	flags := ""
	if m.IsOptimistic {
		flags = " [sending]"
	}
	if m.Failed {
		flags = " [failed]"
	}
	body := m.Content
	if m.Type == tether.MessageMedia && m.MediaURL != "" {
		body = "<media> " + m.MediaURL
	}
	fmt.Printf("%s  %s: %s%s\n", m.CreatedAt, who, body, flags)
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		eng := getEngine()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng.threads.LoadLatest(ctx, convID)
		if err := eng.threads.Err(convID); err != nil {
			if len(eng.threads.Messages(convID)) == 0 {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: showing cached thread, refresh failed: %v\n", err)
		}
		for page := 1; page < chatHistoryPages && eng.threads.HasMore(convID); page++ {
			before := len(eng.threads.Messages(convID))
			eng.threads.LoadOlder(ctx, convID)
			if len(eng.threads.Messages(convID)) == before {
				break
			}
		}

		msgs := eng.threads.Messages(convID)
		if chatHistoryJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(eng, m)
		}
		if eng.threads.HasMore(convID) {
			fmt.Println("... older history available (use --pages)")
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		text := strings.Join(args[1:], " ")
		eng := getEngine()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		done := make(chan struct{}, 1)
		eng.threads.On("message.confirmed", func(event string, payload any) {
			select {
			case done <- struct{}{}:
			default:
			}
		})
		eng.threads.On("message.failed", func(event string, payload any) {
			select {
			case done <- struct{}{}:
			default:
			}
		})

		id := eng.threads.OptimisticSend(ctx, tether.SendInput{
			ConversationID: convID,
			SenderID:       eng.userID,
			Content:        text,
		})

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for the send to settle")
		}

		for _, m := range eng.threads.Messages(convID) {
			if m.ID != id {
				continue
			}
			if m.Failed {
				return fmt.Errorf("send failed (message %s kept locally, retry later)", id)
			}
			fmt.Printf("Sent %s\n", id)
			return nil
		}
		return fmt.Errorf("message %s vanished from the thread", id)
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation live",
	Long:  "Print the latest messages, then stream new ones as they arrive. Lines typed on stdin are sent to the conversation. Ctrl-C exits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		eng := getEngine()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := eng.channels.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer eng.channels.Disconnect()

		var printMu sync.Mutex
		printed := make(map[string]bool)
		printNew := func() {
			printMu.Lock()
			defer printMu.Unlock()
			for _, m := range eng.threads.Messages(convID) {
				if printed[m.ID] {
					continue
				}
				printed[m.ID] = true
				printMessage(eng, m)
			}
		}
		eng.threads.On("thread.updated", func(event string, payload any) {
			if id, ok := payload.(string); ok && id == convID {
				printNew()
			}
		})
		eng.threads.On("typing", func(event string, payload any) {
			if ev, ok := payload.(tether.TypingEvent); ok && ev.ConversationID == convID && ev.IsTyping {
				fmt.Printf("-- %s is typing --\n", ev.UserID)
			}
		})
		if err := eng.threads.OpenThread(convID); err != nil {
			return fmt.Errorf("watch failed: %w", err)
		}
		defer eng.threads.CloseThread(convID)

		eng.threads.LoadLatest(ctx, convID)
		printNew()
		eng.threads.MarkRead(ctx, convID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-sigCh:
				fmt.Println("\nBye.")
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				eng.threads.SetTyping(ctx, convID, false)
				eng.threads.OptimisticSend(ctx, tether.SendInput{
					ConversationID: convID,
					SenderID:       eng.userID,
					Content:        line,
				})
			}
		}
	},
}

// ============================================================================
// chat search
// ============================================================================

var chatSearchCmd = &cobra.Command{
	Use:   "search <conversation-id> <query>",
	Short: "Search the locally cached thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		query := strings.Join(args[1:], " ")
		eng := getEngine()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Warm the local log first so search covers the latest page.
		eng.threads.LoadLatest(ctx, convID)

		hits := eng.threads.Search(convID, query, chatSearchLimit)
		if len(hits) == 0 {
			fmt.Println("No matches.")
			return nil
		}
		for _, m := range hits {
			printMessage(eng, m)
		}
		return nil
	},
}

// ============================================================================
// chat read
// ============================================================================

var chatReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		eng := getEngine()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng.threads.LoadLatest(ctx, convID)
		if err := eng.threads.Err(convID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		msgs := eng.threads.Messages(convID)
		if len(msgs) == 0 {
			fmt.Println("Nothing to mark.")
			return nil
		}
		// Issue the receipt synchronously so it lands before the process
		// exits.
		last := msgs[len(msgs)-1]
		if err := eng.gateway.MarkReadUpTo(ctx, convID, eng.userID, last.ID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked read.")
		return nil
	},
}
