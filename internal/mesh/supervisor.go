package mesh

import (
	"log/slog"
	"time"
)

// RetrySchedule is the reconnection bookkeeping for one participant.
type RetrySchedule struct {
	// Attempt counts consecutive failures; it resets when the link connects.
	Attempt int
	// Total counts every retry ever scheduled for the participant.
	Total     int
	Delay     time.Duration
	NextRetry time.Time
}

type retryEntry struct {
	RetrySchedule
	timer *time.Timer
	token uint64
	armed bool
}

// Supervisor schedules bounded exponential backoff retries for failed
// links. It is owned by the session loop; only the timers run elsewhere,
// and they report back through fire.
type Supervisor struct {
	base      time.Duration
	max       time.Duration
	fire      func(id ParticipantID, token uint64)
	schedules map[ParticipantID]*retryEntry
	nextToken uint64
	logger    *slog.Logger
}

// NewSupervisor creates a supervisor. fire is called from a timer goroutine
// when a retry is due and must hand the token back through Claim on the
// owning loop.
func NewSupervisor(base, max time.Duration, fire func(ParticipantID, uint64), logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if max < base {
		max = base
	}
	return &Supervisor{
		base:      base,
		max:       max,
		fire:      fire,
		schedules: make(map[ParticipantID]*retryEntry),
		logger:    logger,
	}
}

// Backoff returns min(max, base * 2^attempt).
func (s *Supervisor) Backoff(attempt int) time.Duration {
	delay := s.base
	for i := 0; i < attempt; i++ {
		if delay >= s.max/2 {
			return s.max
		}
		delay *= 2
	}
	return min(delay, s.max)
}

// Schedule arms the next retry for id and returns the updated schedule.
// A retry already pending for id is replaced.
func (s *Supervisor) Schedule(id ParticipantID) RetrySchedule {
	entry, ok := s.schedules[id]
	if !ok {
		entry = &retryEntry{}
		s.schedules[id] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}

	delay := s.Backoff(entry.Attempt)
	entry.Attempt++
	entry.Total++
	entry.Delay = delay
	entry.NextRetry = time.Now().Add(delay)

	s.nextToken++
	token := s.nextToken
	entry.token = token
	entry.armed = true
	entry.timer = time.AfterFunc(delay, func() { s.fire(id, token) })

	s.logger.Info("retry scheduled",
		"participant", string(id),
		"attempt", entry.Attempt,
		"total", entry.Total,
		"delay", delay,
	)
	return entry.RetrySchedule
}

// Claim consumes a fired retry. It reports false when the retry was
// cancelled or superseded after the timer fired.
func (s *Supervisor) Claim(id ParticipantID, token uint64) bool {
	entry, ok := s.schedules[id]
	if !ok || !entry.armed || entry.token != token {
		return false
	}
	entry.armed = false
	entry.timer = nil
	return true
}

// Reset clears the consecutive failure count after the link connects and
// drops any pending retry. Total is kept for diagnosis.
func (s *Supervisor) Reset(id ParticipantID) {
	entry, ok := s.schedules[id]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.armed = false
	entry.Attempt = 0
	entry.Delay = 0
	entry.NextRetry = time.Time{}
}

// Cancel forgets id entirely, stopping any pending retry.
func (s *Supervisor) Cancel(id ParticipantID) {
	entry, ok := s.schedules[id]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.schedules, id)
}

// Stats returns the schedule for id.
func (s *Supervisor) Stats(id ParticipantID) (RetrySchedule, bool) {
	entry, ok := s.schedules[id]
	if !ok {
		return RetrySchedule{}, false
	}
	return entry.RetrySchedule, true
}

// Stop cancels every pending retry.
func (s *Supervisor) Stop() {
	for id := range s.schedules {
		s.Cancel(id)
	}
}
