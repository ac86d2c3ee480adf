package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/archive"
	"github.com/perch-dev/perch/internal/chat"
	"github.com/perch-dev/perch/internal/identity"
	"github.com/perch-dev/perch/internal/token"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			id, err := identity.LoadOrCreate(cfg.Identity.Path)
			if err != nil {
				return fmt.Errorf("device identity: %w", err)
			}

			if warn := token.ExpiryWarning(cfg.Gateway.Token, 24*time.Hour, time.Now()); warn != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), warn)
			}

			store, err := archive.Open(cfg.Archive.Path)
			if err != nil {
				return fmt.Errorf("open transcript store: %w", err)
			}
			defer store.Close()

			ui := newChatUI(cmd.OutOrStdout())
			ctrl := chat.New(chat.Config{
				URL:               cfg.Gateway.URL,
				Token:             cfg.Gateway.Token,
				Identity:          id,
				Version:           version,
				Mode:              cfg.Client.Mode,
				Role:              cfg.Client.Role,
				Scopes:            cfg.Client.Scopes,
				ImageTargetBytes:  cfg.Images.TargetBytes,
				ImageHardMaxBytes: cfg.Images.HardMaxBytes,
				ImageTotalBytes:   cfg.Images.TotalBytes,
				Archive:           store,
				OnChange:          ui.poke,
			})
			ui.ctrl = ctrl

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			fmt.Printf("device %s\n", id.DeviceID[:12])
			if err := ctrl.Connect(ctx); err != nil {
				return err
			}
			defer ctrl.Disconnect()

			go ui.renderLoop(ctx)
			return readLoop(ctx, ctrl, ui)
		},
	}
}

// readLoop drives the session from stdin. Slash commands control the
// session; anything else is a prompt.
func readLoop(ctx context.Context, ctrl *chat.Controller, ui *chatUI) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pending []chat.Attachment

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil

		case line == "/agents":
			for _, a := range ctrl.Agents() {
				marker := " "
				if a.ID == ctrl.AgentID() {
					marker = "*"
				}
				name := a.Name
				if name == "" {
					name = a.ID
				}
				fmt.Printf("%s %s (%s)\n", marker, name, a.ID)
			}

		case strings.HasPrefix(line, "/switch "):
			agentID := strings.TrimSpace(strings.TrimPrefix(line, "/switch "))
			if agentID == "" {
				fmt.Println("usage: /switch <agent-id>")
				continue
			}
			if !ctrl.SwitchAgent(ctx, agentID) {
				fmt.Println("switch not possible right now")
			}

		case strings.HasPrefix(line, "/attach "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/attach "))
			att, err := attachmentFromFile(path)
			if err != nil {
				fmt.Printf("attach failed: %v\n", err)
				continue
			}
			pending = append(pending, att)
			fmt.Printf("attached %s (%d bytes), will go with the next message\n", att.FileName, att.Size)

		case line == "/cancel":
			ctrl.CancelPending("")

		case line == "/session":
			fmt.Printf("agent=%s session=%s\n", ctrl.AgentID(), ctrl.SessionKey())

		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /agents /switch <id> /attach <path> /cancel /session /quit")

		default:
			if !ctrl.SendPrompt(ctx, line, pending) {
				fmt.Println("cannot send right now (disconnected, or a reply is still pending)")
				continue
			}
			pending = nil
		}
	}
}

// attachmentFromFile builds an attachment manifest entry for a local
// file. Images get an inline data URL; other types ride as path-only
// manifest lines.
func attachmentFromFile(path string) (chat.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return chat.Attachment{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	att := chat.Attachment{
		FileName:     filepath.Base(path),
		MimeType:     mimeType,
		Size:         info.Size(),
		AbsolutePath: path,
	}
	if strings.HasPrefix(mimeType, "image/") {
		data, err := os.ReadFile(path)
		if err != nil {
			return chat.Attachment{}, err
		}
		att.DataURL = fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	}
	return att, nil
}
