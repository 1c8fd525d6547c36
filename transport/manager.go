// This package holds the ingest transports which hand wire envelopes to the pipeline, and a manager which starts
// them, stops them and keeps track of whether each is reachable.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const checkInterval = 15 * time.Second

const (
	StateUp   = "up"
	StateDown = "down"
)

// Transport is one source of envelopes.
type Transport interface {
	Name() string
	Start() error
	Shutdown() error
	// Check reports whether the transport can currently receive.
	Check(ctx context.Context) error
}

// An event indicating a transport changed state.
type StateUpdate struct {
	Name  string
	State string
}

type Manager struct {
	clock      clock.Clock
	log        *zap.SugaredLogger
	transports []Transport
	started    []Transport
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
	updates    chan interface{}
	statesLock sync.Mutex
	states     map[string]string
}

func NewManager(c *config.Config, cl clock.Clock) *Manager {
	return &Manager{
		clock:      cl,
		log:        c.Logger("transport/manager"),
		transports: make([]Transport, 0),
		updates:    make(chan interface{}, 100),
		states:     make(map[string]string),
	}
}

// Add registers t. It must be called before Start.
func (m *Manager) Add(t Transport) {
	m.transports = append(m.transports, t)
}

// Start starts every transport in the order added. If one fails, the ones already started are shut down again.
func (m *Manager) Start() error {
	for _, t := range m.transports {
		if err := t.Start(); err != nil {
			if serr := m.shutdownStarted(); serr != nil {
				m.log.Warnf("error shutting down after failed start: %v", serr)
			}
			return fmt.Errorf("transport: error starting %s: %w", t.Name(), err)
		}
		m.log.Infof("started transport %s", t.Name())
		m.started = append(m.started, t)
		m.setState(t.Name(), StateUp)
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.startChecker(ctx)
	return nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// States returns the last known state of each transport.
func (m *Manager) States() map[string]string {
	m.statesLock.Lock()
	defer m.statesLock.Unlock()
	return maps.Clone(m.states)
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
		m.cancelFunc = nil
	}
	return m.shutdownStarted()
}

func (m *Manager) shutdownStarted() error {
	errors := make([]error, 0)
	for k := len(m.started) - 1; k >= 0; k-- {
		t := m.started[k]
		if err := t.Shutdown(); err != nil {
			errors = append(errors, err)
		}
		m.setState(t.Name(), StateDown)
	}
	m.started = nil
	if len(errors) != 0 {
		return fmt.Errorf("errors encountered during shutdown: %v", errors)
	}
	return nil
}

func (m *Manager) startChecker(ctx context.Context) {
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			start := m.clock.Now()
			checkCtx, cancelFn := context.WithDeadline(ctx, start.Add(checkInterval-time.Second))
			m.checkAll(checkCtx)
			cancelFn()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(start.Add(checkInterval))):
			}
		}
	}()
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, t := range m.started {
		state := StateUp
		if err := t.Check(ctx); err != nil {
			m.log.Debugf("check of %s failed: %v", t.Name(), err)
			state = StateDown
		}
		m.setState(t.Name(), state)
	}
}

func (m *Manager) setState(name, state string) {
	m.statesLock.Lock()
	previous, ok := m.states[name]
	m.states[name] = state
	m.statesLock.Unlock()
	if ok && previous == state {
		return
	}
	m.log.Infof("transport %s is %s", name, state)
	select {
	case m.updates <- &StateUpdate{Name: name, State: state}:
	default:
		m.log.Warnf("updates channel full, dropping state of %s", name)
	}
}
