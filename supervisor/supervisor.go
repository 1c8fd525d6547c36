// This package gates envelope processing. Processing is permitted while no suspension reason is held; stages that
// registered for resume notifications are told when the last reason is lifted.
package supervisor

import (
	"sync"

	"github.com/meow-io/go-inbound/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Reason string

const (
	ReasonShutdown      Reason = "shutdown"
	ReasonDeregistered  Reason = "deregistered"
	ReasonMaintenance   Reason = "maintenance"
	ReasonPendingChange Reason = "pending-change-number"
)

type Supervisor struct {
	lock       *sync.Mutex
	reasons    map[Reason]int
	stages     []*stage
	background bool
	log        *zap.SugaredLogger
}

func New(c *config.Config) *Supervisor {
	return &Supervisor{
		lock:    &sync.Mutex{},
		reasons: make(map[Reason]int),
		stages:  make([]*stage, 0),
		log:     c.Logger("supervisor"),
	}
}

type stage struct {
	resume func()
}

// Register adds a callback run every time processing becomes permitted again. Calling the returned func removes it.
func (s *Supervisor) Register(resume func()) func() {
	st := &stage{resume: resume}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stages = append(s.stages, st)
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		s.stages = slices.DeleteFunc(s.stages, func(other *stage) bool { return other == st })
	}
}

// Suspend holds reason until a matching Unsuspend. Reasons nest.
func (s *Supervisor) Suspend(reason Reason) {
	s.lock.Lock()
	s.reasons[reason]++
	count := len(s.reasons)
	s.lock.Unlock()
	s.log.Infof("suspending processing for %s, %d reason(s) held", reason, count)
}

func (s *Supervisor) Unsuspend(reason Reason) {
	s.lock.Lock()
	n, ok := s.reasons[reason]
	if !ok {
		s.lock.Unlock()
		s.log.Warnf("unsuspending %s which was never suspended", reason)
		return
	}
	if n > 1 {
		s.reasons[reason] = n - 1
	} else {
		delete(s.reasons, reason)
	}
	resumed := len(s.reasons) == 0
	stages := slices.Clone(s.stages)
	s.lock.Unlock()

	if !resumed {
		return
	}
	s.log.Infof("processing resumed after %s", reason)
	for _, st := range stages {
		st.resume()
	}
}

func (s *Supervisor) IsProcessingPermitted() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.reasons) == 0
}

// Reasons lists held suspension reasons in sorted order.
func (s *Supervisor) Reasons() []string {
	s.lock.Lock()
	keys := maps.Keys(s.reasons)
	s.lock.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	slices.Sort(out)
	return out
}

// SetBackground records whether the process runs with a restricted execution budget.
func (s *Supervisor) SetBackground(background bool) {
	s.lock.Lock()
	changed := s.background != background
	s.background = background
	stages := slices.Clone(s.stages)
	permitted := len(s.reasons) == 0
	s.lock.Unlock()

	if !changed {
		return
	}
	s.log.Debugf("background=%t", background)
	if !background && permitted {
		for _, st := range stages {
			st.resume()
		}
	}
}

func (s *Supervisor) IsInBackground() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.background
}
