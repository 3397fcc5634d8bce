package listener

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol returns the protocol type (http, tcp)
	Protocol() string

	// Start binds the listener and begins accepting connections. It must not
	// block once the listener is bound.
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the address the listener is bound to
	Addr() string
}

// Manager manages multiple listeners
type Manager struct {
	listeners map[string]Listener
	order     []string
	started   []Listener
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewManager creates a new listener manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		listeners: make(map[string]Listener),
		logger:    logger,
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}

	m.listeners[l.ID()] = l
	m.order = append(m.order, l.ID())
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// Remove removes a listener by ID
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[id]; !exists {
		return fmt.Errorf("listener with id %s not found", id)
	}

	delete(m.listeners, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// StartAll starts the listeners in the order they were added. When one
// fails, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		l := m.listeners[id]
		if err := l.Start(ctx); err != nil {
			m.stopStarted(ctx)
			return fmt.Errorf("listener %s: %w", id, err)
		}
		m.logger.Info("Listening",
			zap.String("protocol", l.Protocol()),
			zap.String("listener", id),
			zap.String("address", l.Addr()),
		)
		m.started = append(m.started, l)
	}
	return nil
}

// StopAll gracefully stops all started listeners
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStarted(ctx)
}

func (m *Manager) stopStarted(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.started))

	for _, l := range m.started {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			m.logger.Info("Stopping listener", zap.String("protocol", l.Protocol()), zap.String("listener", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.ID(), err)
			}
		}(l)
	}

	wg.Wait()
	close(errCh)
	m.started = nil

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping listeners: %v", errs)
	}

	return nil
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns the sorted IDs of all registered listeners
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
