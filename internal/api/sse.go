package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/garage/internal/whatsapp"
)

const (
	defaultEventPoll  = time.Second
	sseHeartbeatEvery = 15 * time.Second
)

// sessionRemoved is sent when an operator's session leaves the registry.
type sessionRemoved struct {
	OperatorID string `json:"operatorId"`
}

// events streams session changes as server-sent events so a pairing screen
// can react to a new code or a completed login without polling. The registry
// is sampled every h.eventPoll and only differences are sent.
func (h *handlers) events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	only := c.Query("operatorId")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	seen := make(map[string]whatsapp.SessionInfo)
	diff := func() bool {
		current := make(map[string]whatsapp.SessionInfo)
		for _, info := range h.reg.ListAll() {
			if only != "" && info.OperatorID != only {
				continue
			}
			current[info.OperatorID] = info
		}
		wrote := false
		for op, info := range current {
			if prev, ok := seen[op]; ok && sameInfo(prev, info) {
				continue
			}
			writeSSE(c.Writer, "session", info)
			wrote = true
		}
		for op := range seen {
			if _, ok := current[op]; !ok {
				writeSSE(c.Writer, "session_removed", sessionRemoved{OperatorID: op})
				wrote = true
			}
		}
		seen = current
		return wrote
	}
	if diff() {
		c.Writer.Flush()
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.eventPoll)
	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			if diff() {
				c.Writer.Flush()
			}
		}
	}
}

func sameInfo(a, b whatsapp.SessionInfo) bool {
	if a.State != b.State || a.Connected != b.Connected ||
		a.PairingPending != b.PairingPending || a.Identity != b.Identity {
		return false
	}
	switch {
	case a.LastHeartbeatAt == nil || b.LastHeartbeatAt == nil:
		return a.LastHeartbeatAt == b.LastHeartbeatAt
	default:
		return a.LastHeartbeatAt.Equal(*b.LastHeartbeatAt)
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
