// Package audit implements the append-only safety audit log. Entries are
// hash-chained: each entry hash covers the RFC 8785 canonical form of the
// entry header, the payload hash and the previous entry hash, so any edit
// or reordering breaks VerifyChain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrChainBroken = errors.New("audit hash chain is broken")
	ErrNotEmpty    = errors.New("audit log already has entries")
)

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "genesis"

// EventType categorizes audit entries.
type EventType string

const (
	EventSessionCreated        EventType = "session_created"
	EventStateChanged          EventType = "state_changed"
	EventCheckpoint            EventType = "checkpoint"
	EventViolation             EventType = "violation"
	EventEmergency             EventType = "emergency"
	EventSessionEnded          EventType = "session_ended"
	EventFeedback              EventType = "feedback"
	EventIntegrationRegistered EventType = "integration_registered"
	EventEmergencyStopAll      EventType = "emergency_stop_all"
	EventSystemError           EventType = "system_error"
)

// Entry is a single immutable audit entry.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         EventType       `json:"type"`
	SessionID    string          `json:"session_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Action       string          `json:"action,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Sink persists entries outside the process.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Log is the in-memory audit log. Entries are persisted to an optional
// sink in the background.
type Log struct {
	mu           sync.RWMutex
	entries      []Entry
	sequence     uint64
	head         string
	writer       *writer
	writeTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		head:   GenesisHash,
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// WithWriteTimeout bounds each sink write. It must be set before SetSink.
func (l *Log) WithWriteTimeout(d time.Duration) *Log {
	l.writeTimeout = d
	return l
}

// SetSink attaches a persistence sink. Entries appended from now on are
// written by a background writer in sequence order; sink failures are
// logged and never fail Append. A sink can be attached once.
func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		l.logger.Warn("audit sink already attached")
		return
	}
	l.writer = newWriter(s, l.writeTimeout, l.logger)
}

// Flush waits until every entry appended so far has been handed to the
// sink, or ctx ends.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.RLock()
	w := l.writer
	l.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.flush(ctx)
}

// Close drains pending sink writes. Entries appended after Close stay in
// memory only.
func (l *Log) Close(ctx context.Context) error {
	l.mu.RLock()
	w := l.writer
	l.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.close(ctx)
}

// Append adds an entry to the chain. It does no I/O.
func (l *Log) Append(ctx context.Context, typ EventType, sessionID, userID, action string, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		Type:         typ,
		SessionID:    sessionID,
		UserID:       userID,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  computeHash(canonical),
		PreviousHash: l.head,
	}
	hash, err := entryHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = hash

	l.sequence = e.Sequence
	l.head = hash
	l.entries = append(l.entries, e)

	if l.writer != nil && !l.writer.enqueue(queued{entry: e}) {
		l.logger.WarnContext(ctx, "audit entry not persisted, sink closed", "sequence", e.Sequence)
	}
	return e, nil
}

// Restore loads previously persisted entries into an empty log after
// verifying their chain.
func (l *Log) Restore(entries []Entry) error {
	if err := verify(entries); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 {
		return ErrNotEmpty
	}
	l.entries = append([]Entry(nil), entries...)
	if n := len(entries); n > 0 {
		l.sequence = entries[n-1].Sequence
		l.head = entries[n-1].EntryHash
	}
	return nil
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Types      []EventType
	SessionID  string
	UserID     string
	Since      time.Time
	Until      time.Time
	MaxResults int
}

func (f Filter) matches(e Entry) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns copies of the entries matching the filter, oldest first.
func (l *Log) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if f.matches(e) {
			out = append(out, e)
			if f.MaxResults > 0 && len(out) >= f.MaxResults {
				break
			}
		}
	}
	return out
}

// VerifyChain checks the integrity of the whole chain.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verify(l.entries)
}

func verify(entries []Entry) error {
	expectedPrev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		if computeHash(e.Payload) != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func entryHash(e Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         EventType `json:"type"`
		SessionID    string    `json:"session_id"`
		UserID       string    `json:"user_id"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC(),
		Type:         e.Type,
		SessionID:    e.SessionID,
		UserID:       e.UserID,
		Action:       e.Action,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	return computeHash(canonical), nil
}
