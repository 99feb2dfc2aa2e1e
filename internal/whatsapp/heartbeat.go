package whatsapp

import (
	"time"

	"github.com/robfig/cron/v3"
)

// startHeartbeatLocked schedules beat every s.interval. Caller holds s.mu.
func (s *Session) startHeartbeatLocked() {
	if s.heartbeat != nil || s.destroyed {
		return
	}
	c := cron.New()
	c.Schedule(cron.Every(s.interval), cron.FuncJob(s.beat))
	c.Start()
	s.heartbeat = c
}

// stopHeartbeat stops c and waits for a tick that is already running.
// Must be called without s.mu held, since beat takes it.
func stopHeartbeat(c *cron.Cron) {
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// beat refreshes lastHeartbeatAt and reports it. Ticks that land after a
// disconnect or Destroy are dropped.
func (s *Session) beat() {
	s.mu.Lock()
	if s.destroyed || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.lastHeartbeatAt = now
	s.mu.Unlock()

	if s.onHeartbeat != nil {
		s.onHeartbeat(s.operatorID, now)
	}
}
