package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyPages    int
	historyMarkRead bool
	historyJSON     bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "number of pages to load, newest first")
	historyCmd.Flags().BoolVar(&historyMarkRead, "mark-read", false, "mark the room read up to the newest message")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print the message history of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		conv, err := s.engine.Open(ctx, args[0])
		if err != nil {
			return err
		}
		snap, err := waitLoaded(ctx, conv)
		if err != nil {
			return err
		}
		if snap.Err != nil {
			if len(snap.Messages) == 0 {
				return fmt.Errorf("failed to load history: %w", snap.Err)
			}
			fmt.Printf("Warning: showing cached messages, refresh failed: %v\n\n", snap.Err)
		}

		for i := 1; i < historyPages && conv.Snapshot().HasMore; i++ {
			if err := conv.LoadMore(ctx); err != nil {
				return fmt.Errorf("failed to load older messages: %w", err)
			}
		}
		snap = conv.Snapshot()

		if historyJSON {
			b, _ := json.MarshalIndent(snap.Messages, "", "  ")
			fmt.Println(string(b))
		} else {
			if len(snap.Messages) == 0 {
				fmt.Println("No messages.")
			}
			for _, m := range snap.Messages {
				printMessage(m, s.cfg.Auth.UserID)
			}
			if snap.HasMore {
				fmt.Println("(older messages available, use --pages)")
			}
		}

		if historyMarkRead {
			if err := conv.MarkRead(ctx); err != nil {
				return fmt.Errorf("failed to mark read: %w", err)
			}
		}
		return nil
	},
}
