// Package catalog resolves enumerated field tokens to display labels and back.
package catalog

import (
	"fmt"
	"sync"
)

// Catalog is the enumerated-value lookup the resolver consults
type Catalog interface {
	// Label returns the display label of a token
	Label(picklist, token string) (string, error)
	// Token returns the token carrying a display label
	Token(picklist, label string) (string, error)
}

// Static is an in-memory catalog loaded from configuration or seed data
type Static struct {
	mu     sync.RWMutex
	labels map[string]map[string]string
}

// NewStatic creates a catalog from picklist -> token -> label entries
func NewStatic(entries map[string]map[string]string) *Static {
	s := &Static{labels: make(map[string]map[string]string)}
	for picklist, values := range entries {
		for token, label := range values {
			s.Add(picklist, token, label)
		}
	}
	return s
}

// Add registers one value
func (s *Static) Add(picklist, token, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, ok := s.labels[picklist]
	if !ok {
		values = make(map[string]string)
		s.labels[picklist] = values
	}
	values[token] = label
}

func (s *Static) Label(picklist, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	label, ok := s.labels[picklist][token]
	if !ok {
		return "", fmt.Errorf("unknown value %q in picklist %s", token, picklist)
	}
	return label, nil
}

// Token returns the smallest token carrying label when several share it
func (s *Static) Token(picklist, label string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := ""
	for token, l := range s.labels[picklist] {
		if l == label && (found == "" || token < found) {
			found = token
		}
	}
	if found == "" {
		return "", fmt.Errorf("no value labelled %q in picklist %s", label, picklist)
	}
	return found, nil
}
