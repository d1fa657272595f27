// Package memory provides an in-memory RelationshipStore for tests and
// single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/store"
)

type directed struct {
	author, recipient domain.UserID
}

// DB is a mutex-guarded in-memory store.
type DB struct {
	mu       sync.RWMutex
	clock    domain.Clock
	nextID   int64
	likes    map[directed]domain.Fact
	blocks   map[directed]domain.Fact
	reports  map[directed]domain.Report
	messages map[domain.Pair][]domain.Message
}

var _ store.RelationshipStore = (*DB)(nil)

// New creates an empty in-memory store.
func New(clock domain.Clock) *DB {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &DB{
		clock:    clock,
		likes:    make(map[directed]domain.Fact),
		blocks:   make(map[directed]domain.Fact),
		reports:  make(map[directed]domain.Report),
		messages: make(map[domain.Pair][]domain.Message),
	}
}

func (d *DB) id() int64 {
	d.nextID++
	return d.nextID
}

// FindBlock implements store.RelationshipStore.
func (d *DB) FindBlock(_ context.Context, a, b domain.UserID) (domain.Fact, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if f, ok := d.blocks[directed{a, b}]; ok {
		return f, true, nil
	}
	f, ok := d.blocks[directed{b, a}]
	return f, ok, nil
}

// FindBlockBy implements store.RelationshipStore.
func (d *DB) FindBlockBy(_ context.Context, author, recipient domain.UserID) (domain.Fact, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.blocks[directed{author, recipient}]
	return f, ok, nil
}

// FindLike implements store.RelationshipStore.
func (d *DB) FindLike(_ context.Context, author, recipient domain.UserID) (domain.Fact, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.likes[directed{author, recipient}]
	return f, ok, nil
}

// CreateLike implements store.RelationshipStore.
func (d *DB) CreateLike(_ context.Context, author, recipient domain.UserID) (int64, error) {
	return d.createFact(d.likes, domain.KindLike, author, recipient)
}

// DeleteLike implements store.RelationshipStore.
func (d *DB) DeleteLike(_ context.Context, id int64) error {
	return d.deleteFact(d.likes, domain.KindLike, id)
}

// CreateBlock implements store.RelationshipStore.
func (d *DB) CreateBlock(_ context.Context, author, recipient domain.UserID) (int64, error) {
	return d.createFact(d.blocks, domain.KindBlock, author, recipient)
}

// DeleteBlock implements store.RelationshipStore.
func (d *DB) DeleteBlock(_ context.Context, id int64) error {
	return d.deleteFact(d.blocks, domain.KindBlock, id)
}

func (d *DB) createFact(m map[directed]domain.Fact, kind domain.Kind, author, recipient domain.UserID) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := directed{author, recipient}
	if _, ok := m[key]; ok {
		return 0, fmt.Errorf("memory: create %s: %w", kind, domain.ErrAlreadyExists)
	}
	f := domain.Fact{
		ID:          d.id(),
		Kind:        kind,
		AuthorID:    author,
		RecipientID: recipient,
		CreatedAt:   d.clock.Now(),
	}
	m[key] = f
	return f.ID, nil
}

func (d *DB) deleteFact(m map[directed]domain.Fact, kind domain.Kind, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, f := range m {
		if f.ID == id {
			delete(m, k)
			return nil
		}
	}
	return fmt.Errorf("memory: delete %s %d: %w", kind, id, domain.ErrNotFound)
}

// CreateReport implements store.RelationshipStore.
func (d *DB) CreateReport(_ context.Context, author, recipient domain.UserID, reason string) (int64, error) {
	if !domain.ValidReportReason(reason) {
		return 0, fmt.Errorf("memory: invalid reason %q: %w", reason, domain.ErrInvalidInput)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := directed{author, recipient}
	if _, ok := d.reports[key]; ok {
		return 0, fmt.Errorf("memory: create report: %w", domain.ErrAlreadyExists)
	}
	r := domain.Report{
		Fact: domain.Fact{
			ID:          d.id(),
			Kind:        domain.KindReport,
			AuthorID:    author,
			RecipientID: recipient,
			CreatedAt:   d.clock.Now(),
		},
		Reason: reason,
	}
	d.reports[key] = r
	return r.ID, nil
}

// FindReport implements store.RelationshipStore.
func (d *DB) FindReport(_ context.Context, author, recipient domain.UserID) (domain.Report, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.reports[directed{author, recipient}]
	return r, ok, nil
}

// DeleteReport implements store.RelationshipStore.
func (d *DB) DeleteReport(_ context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, r := range d.reports {
		if r.ID == id {
			delete(d.reports, k)
			return nil
		}
	}
	return fmt.Errorf("memory: delete report %d: %w", id, domain.ErrNotFound)
}

// AppendMessage implements store.RelationshipStore.
func (d *DB) AppendMessage(_ context.Context, author, recipient domain.UserID, body string, ts time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := domain.Message{
		ID:          d.id(),
		AuthorID:    author,
		RecipientID: recipient,
		Body:        body,
		Timestamp:   ts,
	}
	p := domain.PairOf(author, recipient)
	d.messages[p] = append(d.messages[p], m)
	return m.ID, nil
}

// MessagesBetween implements store.RelationshipStore.
func (d *DB) MessagesBetween(_ context.Context, a, b domain.UserID) ([]domain.Message, error) {
	d.mu.RLock()
	src := d.messages[domain.PairOf(a, b)]
	out := make([]domain.Message, len(src))
	copy(out, src)
	d.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
