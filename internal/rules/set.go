// Package rules holds the ordered routing rules of a running relay and the
// URL algorithms that map requests onto them and upstream URLs back.
package rules

import (
	"errors"
	"sync"

	"github.com/wudi/relay/config"
)

// ErrFrozen is returned when a frozen set is mutated.
var ErrFrozen = errors.New("rules: rule set is frozen")

// Set is an ordered list of rules. It is mutable until Freeze is called and
// read-only afterwards, so a frozen set may be shared by concurrent requests.
type Set struct {
	mu     sync.RWMutex
	rules  []*config.Rule
	frozen bool
}

// New builds an unfrozen set from deep copies of list.
func New(list []config.Rule) *Set {
	s := &Set{rules: make([]*config.Rule, 0, len(list))}
	for _, r := range list {
		c := r.Clone()
		s.rules = append(s.rules, &c)
	}
	return s
}

// Freeze makes the set read-only. It is idempotent.
func (s *Set) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Frozen reports whether the set is read-only.
func (s *Set) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Len returns the number of rules.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Rules returns the rules in declaration order. The returned rules must not
// be modified; use Migrate before the set is frozen.
func (s *Set) Rules() []*config.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*config.Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Migrate calls fn for every rule with write access. Returning a non-nil
// replacement swaps the rule in place.
func (s *Set) Migrate(fn func(i int, r *config.Rule) *config.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	for i, r := range s.rules {
		if repl := fn(i, r); repl != nil {
			s.rules[i] = repl
		}
	}
	return nil
}

// Append adds a rule at the end of the set.
func (s *Set) Append(r config.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	c := r.Clone()
	s.rules = append(s.rules, &c)
	return nil
}

// Snapshot returns deep copies of the rules, suitable for serialization.
func (s *Set) Snapshot() []config.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]config.Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Clone()
	}
	return out
}
