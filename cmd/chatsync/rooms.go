package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/TeamWeeMo/WeeMo-sub001"
)

var (
	roomsWatch bool
	roomsJSON  bool
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsOpenCmd)
	roomsCmd.Flags().BoolVarP(&roomsWatch, "watch", "w", false, "keep running and reprint the list when rooms change")
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "output raw JSON")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(roomsWatch)
		if err != nil {
			return err
		}
		defer s.Close()

		if !roomsWatch {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			rooms, err := s.engine.Rooms().Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load rooms: %w", err)
			}
			printRooms(rooms)
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		list := s.engine.Rooms()
		updates := list.Subscribe(ctx)
		go list.Run(ctx)
		if _, err := list.Load(ctx); err != nil {
			s.log.Warn().Err(err).Msg("initial room list load failed")
		}
		// The stream only reports updates for the open room, so follow the
		// most recently active one.
		for rooms := range updates {
			printRooms(rooms)
			if len(rooms) > 0 {
				if conn := s.engine.Connection(); conn != nil {
					conn.Open(rooms[0].ID)
				}
			}
		}
		return nil
	},
}

func printRooms(rooms []chatsync.RoomSummary) {
	if roomsJSON {
		b, _ := json.MarshalIndent(rooms, "", "  ")
		fmt.Println(string(b))
		return
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms.")
		return
	}
	fmt.Printf("%-28s %-7s %-17s %s\n", "ROOM", "UNREAD", "LAST ACTIVITY", "LAST MESSAGE")
	for _, r := range rooms {
		last, when := "", r.UpdatedAt
		if r.LastMessage != nil {
			last = r.LastMessage.Content
			if r.LastMessage.CreatedAt.After(when) {
				when = r.LastMessage.CreatedAt
			}
		}
		if len(last) > 40 {
			last = last[:37] + "..."
		}
		fmt.Printf("%-28s %-7d %-17s %s\n", r.ID, r.Unread, when.Local().Format("2006-01-02 15:04"), last)
	}
	fmt.Println()
}

var roomsOpenCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Create or fetch the direct room with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := s.engine.Rooms().CreateOrFetch(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}
		fmt.Printf("Room ID: %s\n", room.ID)
		return nil
	},
}
