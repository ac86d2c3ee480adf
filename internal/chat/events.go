package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perch-dev/perch/internal/archive"
	"github.com/perch-dev/perch/internal/gateway"
)

// Substrings the gateway uses when a run dies on unreadable image data.
// Matching errors trigger session recovery on top of the visible notice.
var invalidImagePatterns = []string{
	"invalid image",
	"could not decode image",
	"unsupported image content",
}

const invalidImageNotice = "The gateway could not read one of the attached images. Try re-attaching it as a PNG or JPEG."

// handleEvent is the single entry point for gateway pushes.
func (c *Controller) handleEvent(ev gateway.EventFrame) {
	if ev.Event != gateway.EventChat {
		return
	}
	var p chatEventPayload
	if err := decodeInto(ev.Payload, &p); err != nil {
		c.log.Warn("dropping malformed chat event", "error", err)
		return
	}
	c.handleChatEvent(p)
}

func (c *Controller) handleChatEvent(p chatEventPayload) {
	c.mu.Lock()

	if c.run == nil {
		// No run active: events from other sessions are stale pushes
		// and are dropped outright. Events for the current session are
		// accepted but have nothing to act on — the run they describe
		// was already finalized or cancelled, so they must not
		// re-finalize or duplicate anything.
		if p.SessionKey == c.sessionKey {
			c.log.Debug("absorbing chat event with no active run", "state", p.State, "runId", p.RunID)
		}
		c.mu.Unlock()
		return
	}

	// A run is active: the server may canonicalize runId/sessionKey, so
	// adopt the event's identifiers as authoritative. Ordering only
	// guarantees a single active run, not id stability.
	if p.RunID != "" {
		c.run.runID = p.RunID
	}
	if p.SessionKey != "" && p.SessionKey != c.sessionKey {
		c.sessionKey = p.SessionKey
		c.run.sessionKey = p.SessionKey
	}

	switch p.State {
	case runStateQueued, runStateRunning:
		c.streaming = true

	case runStateDelta:
		text := eventText(p)
		// Deltas are cumulative; a shorter payload is out-of-order or
		// duplicated delivery and is ignored.
		if len(text) >= len(c.run.buffered) {
			c.run.buffered = text
			c.updateAssistantLocked(c.run.assistantID, text, true)
		}

	case runStateFinal:
		text := eventText(p)
		if text == "" {
			// The server finalized before materializing content. Keep
			// the run open: the history-poll fallback owns completion
			// in this edge case.
			c.log.Debug("final event carried no text, deferring to history fallback")
			break
		}
		c.finalizeLocked(text)

	case runStateAborted:
		c.finalizeLocked("Run terminated by the gateway.")

	case runStateError:
		raw := p.ErrorMessage
		c.finalizeLocked(normalizeRunError(raw))
		if isInvalidImageError(raw) {
			c.maybeRecoverSessionLocked()
		}

	default:
		c.log.Debug("ignoring chat event with unknown state", "state", p.State)
	}

	c.mu.Unlock()
	c.notify()
}

func eventText(p chatEventPayload) string {
	if p.Message == nil {
		return ""
	}
	return p.Message.Text
}

// updateAssistantLocked rewrites the placeholder's text in place.
func (c *Controller) updateAssistantLocked(id, text string, streaming bool) {
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages[i].Text = text
			c.messages[i].Streaming = streaming
			return
		}
	}
}

// finalizeLocked freezes the assistant placeholder and clears run
// state. Clearing the run is the mutual-exclusion signal between the
// live event path and the fallback poll: whichever finalizes first
// wins, and the loser no-ops on the nil check at the top.
func (c *Controller) finalizeLocked(text string) {
	if c.run == nil {
		return
	}
	run := c.run
	c.run = nil
	c.streaming = false
	c.updateAssistantLocked(run.assistantID, text, false)

	if c.cfg.Archive != nil {
		m := archive.Message{
			ID:         run.assistantID,
			SessionKey: run.sessionKey,
			Role:       string(RoleAssistant),
			Text:       text,
			CreatedAt:  time.Now(),
		}
		go func() {
			if err := c.cfg.Archive.Append(m); err != nil {
				c.log.Debug("archive write failed", "error", err)
			}
		}()
	}
}

// maybeRecoverSessionLocked opens a fresh session key scoped to the
// same agent after an invalid-image error: the gateway's conversation
// context may be poisoned by the bad payload. Guarded per session key
// so a repeat of the same error cannot loop.
func (c *Controller) maybeRecoverSessionLocked() {
	poisoned := c.sessionKey
	if c.recovered[poisoned] {
		return
	}
	c.recovered[poisoned] = true

	fresh := fmt.Sprintf("agent:%s:r-%s", c.agentID, uuid.NewString()[:8])
	c.sessionKey = fresh
	c.messages = append(c.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Text:      "Started a fresh session because the previous one hit an attachment error.",
		CreatedAt: time.Now(),
	})
	c.log.Info("session recovery", "poisoned", poisoned, "fresh", fresh)
}

func normalizeRunError(raw string) string {
	if isInvalidImageError(raw) {
		return invalidImageNotice
	}
	if raw == "" {
		return "The run failed without an error message."
	}
	return "The run failed: " + raw
}

func isInvalidImageError(raw string) bool {
	lower := strings.ToLower(raw)
	for _, pattern := range invalidImagePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
