package main

import (
	"context"
	"fmt"
	"io"

	"github.com/perch-dev/perch/internal/chat"
)

// chatUI is a line-oriented renderer over the controller's reactive
// state. Messages print once they stop streaming; deltas accumulate
// silently in the controller until then.
type chatUI struct {
	out  io.Writer
	ctrl *chat.Controller

	wake chan struct{}

	printed    map[string]bool
	lastNotice string
	lastError  string
}

func newChatUI(out io.Writer) *chatUI {
	return &chatUI{
		out:     out,
		wake:    make(chan struct{}, 1),
		printed: make(map[string]bool),
	}
}

// poke is the controller's OnChange hook. It never blocks: a queued
// wakeup covers any number of coalesced changes.
func (ui *chatUI) poke() {
	select {
	case ui.wake <- struct{}{}:
	default:
	}
}

func (ui *chatUI) renderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ui.wake:
			ui.render()
		}
	}
}

func (ui *chatUI) render() {
	for _, m := range ui.ctrl.Messages() {
		if m.Streaming || ui.printed[m.ID] {
			continue
		}
		// Own prompts echo back from the terminal already.
		if m.Role == chat.RoleUser {
			ui.printed[m.ID] = true
			continue
		}
		ui.printed[m.ID] = true
		fmt.Fprintf(ui.out, "%s> %s\n", m.Role, m.Text)
	}

	if notice := ui.ctrl.LastNotice(); notice != "" && notice != ui.lastNotice {
		ui.lastNotice = notice
		fmt.Fprintf(ui.out, "note: %s\n", notice)
	}
	if errText := ui.ctrl.LastError(); errText != "" && errText != ui.lastError {
		ui.lastError = errText
		fmt.Fprintf(ui.out, "error: %s\n", errText)
	}
}
