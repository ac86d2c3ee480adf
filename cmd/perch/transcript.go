package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/archive"
)

func transcriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Read the local transcript mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			sessionKey, _ := cmd.Flags().GetString("session")
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := archive.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open transcript store: %w", err)
			}
			defer store.Close()

			if sessionKey == "" {
				sessions, err := store.Sessions()
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("no transcripts yet")
					return nil
				}
				for _, s := range sessions {
					fmt.Println(s)
				}
				return nil
			}

			msgs, err := store.Recent(sessionKey, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Text)
			}
			return nil
		},
	}
	cmd.Flags().String("db", defaultDataPath("transcripts.db"), "transcript database path")
	cmd.Flags().String("session", "", "session key to print; empty lists sessions")
	cmd.Flags().Int("limit", 50, "maximum messages to print")
	return cmd
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".perch", name)
}
