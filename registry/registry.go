// Package registry tracks the links that are currently authenticated, so
// that the login limit can count them.
package registry

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNoID is returned when an entry without an id is opened
var ErrNoID = errors.New("registry entry has no id")

// Entry describes one authenticated link
type Entry struct {
	ID       string
	Link     string
	Authname string
	Allow    netip.Prefix
	OpenedAt time.Time
}

// Registry is implemented by Memory and Redis
type Registry interface {
	Open(ctx context.Context, entry Entry) error
	Close(ctx context.Context, id string) (bool, error)
	CountOpenSessions(ctx context.Context, authname string) (int, error)
}

// Memory is a process-local registry
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byName  map[string]map[string]struct{}
}

// NewMemory creates an empty registry
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*Entry),
		byName:  make(map[string]map[string]struct{}),
	}
}

// Open records an authenticated link. Opening an id twice replaces the
// earlier entry.
func (m *Memory) Open(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		return ErrNoID
	}
	if entry.OpenedAt.IsZero() {
		entry.OpenedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(entry.ID)
	m.entries[entry.ID] = &entry
	ids, ok := m.byName[entry.Authname]
	if !ok {
		ids = make(map[string]struct{})
		m.byName[entry.Authname] = ids
	}
	ids[entry.ID] = struct{}{}
	return nil
}

// Close forgets a link. It reports whether the id was known.
func (m *Memory) Close(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id), nil
}

func (m *Memory) removeLocked(id string) bool {
	entry, ok := m.entries[id]
	if !ok {
		return false
	}
	delete(m.entries, id)
	if ids := m.byName[entry.Authname]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.byName, entry.Authname)
		}
	}
	return true
}

// CountOpenSessions returns how many links are open under authname
func (m *Memory) CountOpenSessions(ctx context.Context, authname string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName[authname]), nil
}

// Lookup retrieves an entry by id
func (m *Memory) Lookup(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Size returns the number of open links
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear forgets every link
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.byName = make(map[string]map[string]struct{})
}

// DebugDump returns a human-readable snapshot of the registry for troubleshooting.
func (m *Memory) DebugDump() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("links:\n")
	for _, id := range ids {
		entry := m.entries[id]
		allow := "none"
		if entry.Allow.IsValid() {
			allow = entry.Allow.String()
		}
		fmt.Fprintf(&b, "- id=%s link=%s authname=%s allow=%s opened=%s\n",
			id, entry.Link, entry.Authname, allow, entry.OpenedAt.Format(time.RFC3339Nano))
	}
	return b.String()
}
