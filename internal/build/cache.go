// Package build turns a session's workspace into a single browser bundle.
// It holds the session-keyed bundle cache and its build tickets, the esbuild
// resolution and mock-substitution plugins, and the Service that enforces
// one build per session at a time.
package build

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/workbench/internal/errors"
)

// ErrNoBuildResult is returned to waiters when the build they waited on
// finished without storing a bundle.
var ErrNoBuildResult = errors.NewBuildError(errors.ErrCodeNoBuildResult, "build finished without a result", nil)

// Meta describes how an entry was produced.
type Meta struct {
	Entry    string `json:"entry"`
	Target   Target `json:"target"`
	Inputs   int    `json:"inputs"`
	Warnings int    `json:"warnings"`
}

// Entry is a compiled bundle for one session. Entries are never modified
// after they are stored; a rebuild replaces the whole entry.
type Entry struct {
	SessionID string        `json:"session_id"`
	Code      string        `json:"-"`
	BuildTime time.Duration `json:"build_time"`
	Size      int64         `json:"size_bytes"`
	BuiltAt   time.Time     `json:"built_at"`
	Meta      Meta          `json:"meta"`
}

// NewEntry builds an Entry, deriving Size from code.
func NewEntry(sessionID, code string, buildTime time.Duration, meta Meta) *Entry {
	return &Entry{
		SessionID: sessionID,
		Code:      code,
		BuildTime: buildTime,
		Size:      int64(len(code)),
		BuiltAt:   time.Now(),
		Meta:      meta,
	}
}

// BuildCache stores one bundle per session with LRU eviction over a total
// byte budget, and tracks the in-progress build ticket of each session.
//
// The cache exposes single-flight but does not enforce it: a caller that
// does not own the ticket returned by Acquire must Await it instead of
// compiling. Service is the caller that does this.
type BuildCache struct {
	mutex       sync.Mutex
	entries     map[string]*cacheNode
	tickets     map[string]*Ticket
	maxSize     int64
	currentSize int64
	// LRU list with sentinel head and tail
	head *cacheNode
	tail *cacheNode
	// Statistics tracking (atomic for thread safety)
	hits      int64
	misses    int64
	sets      int64
	evictions int64
	discarded int64
}

type cacheNode struct {
	entry *Entry
	prev  *cacheNode
	next  *cacheNode
}

// Ticket is held by the single build running for a session. done is closed
// exactly once, after entry and err are written. A ticket marked invalidated
// still hands its outcome to waiters but never stores it.
type Ticket struct {
	sessionID   string
	startedAt   time.Time
	invalidated bool
	waiters     int
	done        chan struct{}
	entry       *Entry
	err         error
}

// SessionStats reports cache state for one session.
type SessionStats struct {
	SessionID       string        `json:"session_id"`
	Cached          bool          `json:"cached"`
	SizeBytes       int64         `json:"size_bytes"`
	BuildTime       time.Duration `json:"build_time"`
	BuiltAt         time.Time     `json:"built_at,omitempty"`
	BuildInProgress bool          `json:"build_in_progress"`
	InProgressFor   time.Duration `json:"in_progress_for,omitempty"`
	Waiters         int           `json:"waiters"`
}

// Stats reports aggregate cache state.
type Stats struct {
	Entries          int     `json:"entries"`
	BuildsInProgress int     `json:"builds_in_progress"`
	TotalBytes       int64   `json:"total_bytes"`
	MaxBytes         int64   `json:"max_bytes"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Sets             int64   `json:"sets"`
	Evictions        int64   `json:"evictions"`
	Discarded        int64   `json:"discarded"`
	HitRate          float64 `json:"hit_rate"`
}

// NewBuildCache creates a cache holding at most maxSize bytes of bundle
// code. A maxSize of zero or less disables eviction.
func NewBuildCache(maxSize int64) *BuildCache {
	cache := &BuildCache{
		entries: make(map[string]*cacheNode),
		tickets: make(map[string]*Ticket),
		maxSize: maxSize,
	}

	cache.head = &cacheNode{}
	cache.tail = &cacheNode{}
	cache.head.next = cache.tail
	cache.tail.prev = cache.head

	return cache
}

// Set stores code as the bundle for sessionID, replacing any previous entry.
func (bc *BuildCache) Set(sessionID, code string, buildTime time.Duration, meta Meta) *Entry {
	entry := NewEntry(sessionID, code, buildTime, meta)

	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	bc.storeLocked(entry)
	return entry
}

// Get returns the bundle stored for sessionID.
func (bc *BuildCache) Get(sessionID string) (*Entry, bool) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	node, exists := bc.entries[sessionID]
	if !exists {
		atomic.AddInt64(&bc.misses, 1)
		return nil, false
	}

	bc.moveToFront(node)
	atomic.AddInt64(&bc.hits, 1)
	return node.entry, true
}

// Has reports whether a bundle is stored for sessionID without touching
// hit statistics or LRU order.
func (bc *BuildCache) Has(sessionID string) bool {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	_, exists := bc.entries[sessionID]
	return exists
}

// Clear drops the bundle for sessionID. Any build already running for the
// session will not store its result, since it compiled files that have
// since changed.
func (bc *BuildCache) Clear(sessionID string) bool {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	if t, busy := bc.tickets[sessionID]; busy {
		t.invalidated = true
	}
	return bc.removeLocked(sessionID)
}

// ClearAll drops every bundle and invalidates every running build.
func (bc *BuildCache) ClearAll() {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	for _, t := range bc.tickets {
		t.invalidated = true
	}

	bc.entries = make(map[string]*cacheNode)
	bc.currentSize = 0
	bc.head.next = bc.tail
	bc.tail.prev = bc.head
}

// MarkBuildInProgress takes the build ticket for sessionID. It reports
// false when another build already holds it.
func (bc *BuildCache) MarkBuildInProgress(sessionID string) bool {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	if _, busy := bc.tickets[sessionID]; busy {
		return false
	}
	bc.tickets[sessionID] = newTicket(sessionID)
	return true
}

// Acquire takes the build ticket for sessionID or, when a build already
// holds it, joins that build in the same step. An owner must release the
// ticket with CompleteBuild; a caller that did not get ownership must Await
// the returned ticket.
func (bc *BuildCache) Acquire(sessionID string) (owner bool, t *Ticket) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	if t, busy := bc.tickets[sessionID]; busy {
		t.waiters++
		return false, t
	}
	t = newTicket(sessionID)
	bc.tickets[sessionID] = t
	return true, t
}

func newTicket(sessionID string) *Ticket {
	return &Ticket{
		sessionID: sessionID,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// MarkBuildComplete releases the ticket without recording a result.
// Waiters receive ErrNoBuildResult.
func (bc *BuildCache) MarkBuildComplete(sessionID string) {
	bc.CompleteBuild(sessionID, nil, nil)
}

// CompleteBuild releases the ticket for sessionID and hands the outcome to
// every waiter. A successful entry is stored unless the session was cleared
// after the build started. It reports whether the entry was stored.
func (bc *BuildCache) CompleteBuild(sessionID string, entry *Entry, err error) bool {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	t, ok := bc.tickets[sessionID]
	if !ok {
		return false
	}
	delete(bc.tickets, sessionID)

	stored := false
	if err == nil && entry != nil {
		if !t.invalidated {
			bc.storeLocked(entry)
			stored = true
		} else {
			atomic.AddInt64(&bc.discarded, 1)
		}
	}

	t.entry = entry
	t.err = err
	if err == nil && entry == nil {
		t.err = errors.NewBuildError(errors.ErrCodeNoBuildResult, "build finished without a result", nil).
			WithSession(sessionID)
	}
	close(t.done)

	return stored
}

// IsBuildInProgress reports whether a build holds the ticket for sessionID.
func (bc *BuildCache) IsBuildInProgress(sessionID string) bool {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	_, busy := bc.tickets[sessionID]
	return busy
}

// WaitForBuild blocks until the running build for sessionID completes or
// ctx is done. With no build running it returns the stored entry, or
// ErrNoBuildResult when there is none.
func (bc *BuildCache) WaitForBuild(ctx context.Context, sessionID string) (*Entry, error) {
	bc.mutex.Lock()
	t, busy := bc.tickets[sessionID]
	if !busy {
		node, exists := bc.entries[sessionID]
		bc.mutex.Unlock()
		if exists {
			return node.entry, nil
		}
		return nil, errors.NewBuildError(errors.ErrCodeNoBuildResult, "no build running and no result stored", nil).
			WithSession(sessionID)
	}
	t.waiters++
	bc.mutex.Unlock()

	return bc.Await(ctx, t)
}

// Await blocks until the build holding t completes or ctx is done, and
// returns that build's outcome. t must come from Acquire without ownership;
// the outcome is delivered even if the ticket was released before Await ran.
func (bc *BuildCache) Await(ctx context.Context, t *Ticket) (*Entry, error) {
	defer func() {
		bc.mutex.Lock()
		t.waiters--
		bc.mutex.Unlock()
	}()

	select {
	case <-t.done:
		if t.err != nil {
			return nil, t.err
		}
		return t.entry, nil
	case <-ctx.Done():
		return nil, errors.NewBuildError(errors.ErrCodeBuildTimeout, "waiting for build", ctx.Err()).
			WithSession(t.sessionID)
	}
}

// GetStats returns cache state for sessionID.
func (bc *BuildCache) GetStats(sessionID string) SessionStats {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	stats := SessionStats{SessionID: sessionID}
	if node, exists := bc.entries[sessionID]; exists {
		stats.Cached = true
		stats.SizeBytes = node.entry.Size
		stats.BuildTime = node.entry.BuildTime
		stats.BuiltAt = node.entry.BuiltAt
	}
	if t, busy := bc.tickets[sessionID]; busy {
		stats.BuildInProgress = true
		stats.InProgressFor = time.Since(t.startedAt)
		stats.Waiters = t.waiters
	}
	return stats
}

// OverallStats returns aggregate cache state.
func (bc *BuildCache) OverallStats() Stats {
	bc.mutex.Lock()
	stats := Stats{
		Entries:          len(bc.entries),
		BuildsInProgress: len(bc.tickets),
		TotalBytes:       bc.currentSize,
		MaxBytes:         bc.maxSize,
	}
	bc.mutex.Unlock()

	stats.Hits = atomic.LoadInt64(&bc.hits)
	stats.Misses = atomic.LoadInt64(&bc.misses)
	stats.Sets = atomic.LoadInt64(&bc.sets)
	stats.Evictions = atomic.LoadInt64(&bc.evictions)
	stats.Discarded = atomic.LoadInt64(&bc.discarded)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Sessions lists the ids with a stored bundle, sorted.
func (bc *BuildCache) Sessions() []string {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	ids := make([]string, 0, len(bc.entries))
	for id := range bc.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (bc *BuildCache) storeLocked(entry *Entry) {
	bc.removeLocked(entry.SessionID)
	bc.evictIfNeeded(entry.Size)

	node := &cacheNode{entry: entry}
	bc.entries[entry.SessionID] = node
	bc.currentSize += entry.Size
	bc.addToFront(node)
	atomic.AddInt64(&bc.sets, 1)
}

func (bc *BuildCache) removeLocked(sessionID string) bool {
	node, exists := bc.entries[sessionID]
	if !exists {
		return false
	}
	bc.removeFromList(node)
	delete(bc.entries, sessionID)
	bc.currentSize -= node.entry.Size
	return true
}

// evictIfNeeded evicts least recently used bundles until newSize fits.
func (bc *BuildCache) evictIfNeeded(newSize int64) {
	if bc.maxSize <= 0 {
		return
	}

	for bc.currentSize+newSize > bc.maxSize && bc.tail.prev != bc.head {
		lru := bc.tail.prev
		bc.removeFromList(lru)
		delete(bc.entries, lru.entry.SessionID)
		bc.currentSize -= lru.entry.Size
		atomic.AddInt64(&bc.evictions, 1)
	}
}

func (bc *BuildCache) addToFront(node *cacheNode) {
	node.prev = bc.head
	node.next = bc.head.next
	bc.head.next.prev = node
	bc.head.next = node
}

func (bc *BuildCache) removeFromList(node *cacheNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
	node.prev = nil
	node.next = nil
}

func (bc *BuildCache) moveToFront(node *cacheNode) {
	bc.removeFromList(node)
	bc.addToFront(node)
}
