package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/TeamWeeMo/WeeMo-sub001"
)

var sendFiles []string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "attach a file (repeatable)")
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> [message...]",
	Short: "Send a message to a room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], strings.Join(args[1:], " ")

		files := make([]chatsync.File, 0, len(sendFiles))
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			files = append(files, chatsync.File{Name: filepath.Base(path), Data: data})
		}

		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()

		conv, err := s.engine.Open(ctx, roomID)
		if err != nil {
			return err
		}
		msg, err := conv.Send(ctx, content, files...)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message ID: %s\n", msg.ID)
		for _, u := range msg.Files {
			fmt.Printf("Attachment: %s\n", u)
		}
		return nil
	},
}
