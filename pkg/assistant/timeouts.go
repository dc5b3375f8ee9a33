package assistant

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// timeoutSupervisor owns the per-broadcast watchdog timers. At most one
// timer of each kind runs per broadcast ID; starting a kind again resets it.
// Expirations are reported through the fire callback, which runs on the
// timer goroutine after the timer has been unregistered.
type timeoutSupervisor struct {
	logger *logrus.Entry
	fire   func(BroadcastID, TimeoutKind)

	mu     sync.Mutex
	timers map[BroadcastID]map[TimeoutKind]*time.Timer
}

func newTimeoutSupervisor(logger *logrus.Logger, fire func(BroadcastID, TimeoutKind)) *timeoutSupervisor {
	return &timeoutSupervisor{
		logger: logger.WithField("component", "timeouts"),
		fire:   fire,
		timers: make(map[BroadcastID]map[TimeoutKind]*time.Timer),
	}
}

// start arms (or re-arms) the kind's timer for the broadcast.
func (s *timeoutSupervisor) start(id BroadcastID, kind TimeoutKind, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if perID, ok := s.timers[id]; ok {
		if t, ok := perID[kind]; ok {
			t.Stop()
		}
	} else {
		s.timers[id] = make(map[TimeoutKind]*time.Timer)
	}

	s.logger.WithFields(logrus.Fields{
		"broadcast_id": id,
		"kind":         kind.String(),
		"after":        d,
	}).Debug("timeout armed")

	s.timers[id][kind] = time.AfterFunc(d, func() {
		if !s.clear(id, kind) {
			// Lost the race against stop; swallow the firing.
			return
		}
		s.logger.WithFields(logrus.Fields{
			"broadcast_id": id,
			"kind":         kind.String(),
		}).Debug("timeout fired")
		s.fire(id, kind)
	})
}

// stop disarms the kind's timer for the broadcast, if armed.
func (s *timeoutSupervisor) stop(id BroadcastID, kind TimeoutKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perID, ok := s.timers[id]
	if !ok {
		return
	}
	if t, ok := perID[kind]; ok {
		t.Stop()
		delete(perID, kind)
	}
	if len(perID) == 0 {
		delete(s.timers, id)
	}
}

// stopAll disarms every timer for the broadcast.
func (s *timeoutSupervisor) stopAll(id BroadcastID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers[id] {
		t.Stop()
	}
	delete(s.timers, id)
}

// stopAllOf disarms the kind's timer for every broadcast.
func (s *timeoutSupervisor) stopAllOf(kind TimeoutKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, perID := range s.timers {
		if t, ok := perID[kind]; ok {
			t.Stop()
			delete(perID, kind)
		}
		if len(perID) == 0 {
			delete(s.timers, id)
		}
	}
}

// started reports whether the kind's timer is armed for the broadcast.
func (s *timeoutSupervisor) started(id BroadcastID, kind TimeoutKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	perID, ok := s.timers[id]
	if !ok {
		return false
	}
	_, ok = perID[kind]
	return ok
}

// anyStartedOf reports whether the kind's timer is armed for any broadcast.
func (s *timeoutSupervisor) anyStartedOf(kind TimeoutKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, perID := range s.timers {
		if _, ok := perID[kind]; ok {
			return true
		}
	}
	return false
}

// clear removes the kind's timer entry without stopping it. Reports whether
// the entry was still registered, which a firing timer uses to detect a
// concurrent stop.
func (s *timeoutSupervisor) clear(id BroadcastID, kind TimeoutKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	perID, ok := s.timers[id]
	if !ok {
		return false
	}
	if _, ok := perID[kind]; !ok {
		return false
	}
	delete(perID, kind)
	if len(perID) == 0 {
		delete(s.timers, id)
	}
	return true
}

// shutdown disarms everything.
func (s *timeoutSupervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, perID := range s.timers {
		for _, t := range perID {
			t.Stop()
		}
		delete(s.timers, id)
	}
}
