package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	inboxAll        bool
	inboxUnreadOnly bool
	inboxJSON       bool
)

func init() {
	rootCmd.AddCommand(inboxCmd)
	inboxCmd.Flags().BoolVar(&inboxAll, "all", false, "Fetch every page, not just the first")
	inboxCmd.Flags().BoolVar(&inboxUnreadOnly, "unread", false, "Only show conversations with unread messages")
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List your conversations",
	Long:  "List your conversation directory, most recently active first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := getEngine()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		eng.directory.LoadFirstPage(ctx)
		if err := eng.directory.Err(); err != nil {
			if len(eng.directory.Order()) == 0 {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: showing cached inbox, refresh failed: %v\n", err)
		}
		if inboxAll {
			for eng.directory.HasMore() {
				before := len(eng.directory.Order())
				eng.directory.LoadMore(ctx)
				if len(eng.directory.Order()) == before {
					break // page failed or only duplicates; stop paging
				}
			}
		}

		rows := eng.directory.Conversations()
		if inboxUnreadOnly {
			filtered := rows[:0]
			for _, row := range rows {
				if row.UnreadCount > 0 {
					filtered = append(filtered, row)
				}
			}
			rows = filtered
		}

		if inboxJSON {
			data, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(rows) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, row := range rows {
			name := row.PeerName
			if name == "" {
				name = row.PeerID
			}
			marker := " "
			if row.UnreadCount > 0 {
				marker = fmt.Sprintf("(%d)", row.UnreadCount)
			}
			fmt.Printf("%-24s %-3s %s  %s\n", name, marker, row.ID, row.LastMessageSummary)
		}
		if eng.directory.HasMore() {
			fmt.Println("... more available (use --all)")
		}
		return nil
	},
}
