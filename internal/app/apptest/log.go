// Package apptest provides in-memory signaling and media fakes for session tests.
package apptest

import "sync"

// Log records close events across fakes so tests can assert teardown order.
type Log struct {
	mu      sync.Mutex
	entries []string
}

func NewLog() *Log { return &Log{} }

func (l *Log) Add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}
