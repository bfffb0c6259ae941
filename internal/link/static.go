// SPDX-License-Identifier: GPL-3.0-or-later

package link

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Static is an in-memory [Registry] whose links are set explicitly.
//
// Construct using [NewStatic].
type Static struct {
	// binders maps a link ID to its binder.
	binders map[string]Binder

	// links maps a link ID to the link.
	links map[string]Link

	// mu provides mutual exclusion.
	mu sync.RWMutex
}

// NewStatic creates an empty [*Static] registry.
func NewStatic() *Static {
	return &Static{
		binders: make(map[string]Binder),
		links:   make(map[string]Link),
		mu:      sync.RWMutex{},
	}
}

var _ Registry = &Static{}

// Add registers a link and its binder.
//
// Marking the new link as default clears the flag on the others.
func (s *Static) Add(l Link, binder Binder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.links[l.ID]; found {
		return fmt.Errorf("link: duplicate link ID: %s", l.ID)
	}
	s.links[l.ID] = l
	s.binders[l.ID] = binder
	if l.Default {
		s.setDefaultLocked(l.ID)
	}
	return nil
}

// SetAvailable changes the availability of a link.
func (s *Static) SetAvailable(id string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, found := s.links[id]
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	l.Available = available
	s.links[id] = l
	return nil
}

// SetDefault marks the given link as the default one.
func (s *Static) SetDefault(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.links[id]; !found {
		return fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	s.setDefaultLocked(id)
	return nil
}

func (s *Static) setDefaultLocked(id string) {
	for key, l := range s.links {
		l.Default = key == id
		s.links[key] = l
	}
}

// Links implements [Registry].
func (s *Static) Links() []Link {
	s.mu.RLock()
	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Link) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Binder implements [Registry].
func (s *Static) Binder(id string) (Binder, error) {
	s.mu.RLock()
	binder, found := s.binders[id]
	s.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLink, id)
	}
	return binder, nil
}
