package chat

import (
	"context"
	"time"

	"github.com/perch-dev/perch/internal/gateway"
)

// Negative slack applied to the send timestamp when judging a history
// entry, absorbing small clock skew between client and gateway.
const fallbackClockSkew = 2 * time.Second

// Legacy aliases some gateways still file main-room history under.
var mainSessionAliases = []string{"main", "agent:main:main"}

// fallbackLoop defends against event-stream message loss: after a send
// it polls recent history on an interval until the reply shows up, the
// live event path finalizes first, or the attempt budget runs out.
// Every tick no-ops once a newer send/switch/cancel superseded it.
func (c *Controller) fallbackLoop(gen int64) {
	time.Sleep(c.cfg.FallbackDelay)

	for attempt := 0; attempt < c.cfg.FallbackAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.FallbackInterval)
		}

		c.mu.Lock()
		if c.generation != gen || c.run == nil {
			c.mu.Unlock()
			return
		}
		client := c.client
		run := *c.run
		candidates := c.candidateKeysLocked()
		c.mu.Unlock()
		if client == nil {
			return
		}

		for _, key := range candidates {
			reply, ok := c.pollOnce(client, key)
			if !ok {
				continue
			}
			if acceptReply(reply, run.startedAt, run.baseline) {
				c.adoptFallback(gen, key, reply)
				return
			}
		}
	}

	c.finalizeTimeout(gen)
}

// candidateKeysLocked orders the session keys worth polling: the
// current key, the last known main key, and the legacy main aliases
// only while the main agent is active.
func (c *Controller) candidateKeysLocked() []string {
	keys := []string{c.sessionKey}
	add := func(key string) {
		if key == "" {
			return
		}
		for _, existing := range keys {
			if existing == key {
				return
			}
		}
		keys = append(keys, key)
	}
	add(c.mainSessionKey)
	if c.agentID == "main" {
		for _, alias := range mainSessionAliases {
			add(alias)
		}
	}
	return keys
}

// pollOnce fetches recent history for one key and returns the newest
// assistant turn, scanning backward from the most recent message.
func (c *Controller) pollOnce(client transport, sessionKey string) (wireMessage, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	payload, err := client.Request(ctx, gateway.MethodChatHistory, historyParams{
		SessionKey: sessionKey,
		Limit:      10,
	})
	if err != nil {
		c.log.Debug("fallback poll failed", "sessionKey", sessionKey, "error", err)
		return wireMessage{}, false
	}
	var result historyResult
	if err := decodeInto(payload, &result); err != nil {
		return wireMessage{}, false
	}
	for i := len(result.Messages) - 1; i >= 0; i-- {
		if result.Messages[i].Role == string(RoleAssistant) {
			return result.Messages[i], true
		}
	}
	return wireMessage{}, false
}

// acceptReply judges whether a fetched assistant turn is the reply to
// this send. Timestamps win when present; otherwise a text change
// against the pre-send baseline is the only signal. Known
// approximation: a legitimate duplicate of the previous reply with no
// timestamp is indistinguishable from a stale cache hit.
func acceptReply(reply wireMessage, startedAt time.Time, baseline string) bool {
	if reply.Text == "" {
		return false
	}
	if ts := reply.createdTime(); !ts.IsZero() {
		if !ts.Before(startedAt.Add(-fallbackClockSkew)) {
			return true
		}
	}
	return reply.Text != baseline
}

// adoptFallback finalizes exactly as the live final path would, and
// adopts the session key the history was fetched from when different.
func (c *Controller) adoptFallback(gen int64, sessionKey string, reply wireMessage) {
	c.mu.Lock()
	if c.generation != gen || c.run == nil {
		c.mu.Unlock()
		return
	}
	if sessionKey != c.sessionKey {
		c.log.Info("fallback adopted session key", "from", c.sessionKey, "to", sessionKey)
		c.sessionKey = sessionKey
	}
	c.finalizeLocked(reply.Text)
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) finalizeTimeout(gen int64) {
	c.mu.Lock()
	if c.generation != gen || c.run == nil {
		c.mu.Unlock()
		return
	}
	notice := "No reply arrived in time. The gateway may still be working; check back shortly."
	if c.agentID == "main" {
		notice = "No reply arrived in time, even after checking the main room's known aliases."
	}
	c.finalizeLocked(notice)
	c.mu.Unlock()
	c.notify()
}
