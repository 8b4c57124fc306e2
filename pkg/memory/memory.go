// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory keeps a short, bounded conversation memory per tenant.
//
// Each tenant has its own index collection. Appending a message evicts the
// oldest fragments so that the collection never holds more than Limit
// fragments once the append completes. Eviction is by age, not relevance.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/groundchat/memcore/pkg/embedding"
	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/textsplit"
)

// DefaultLimit is the number of fragments kept per tenant.
const DefaultLimit = 10

// CollectionPrefix starts the name of every memory collection.
const CollectionPrefix = "memory_"

// Fragment metadata keys.
const (
	MetaTenantID  = "tenant_id"
	MetaTimestamp = "timestamp"
	MetaSeq       = "seq"
)

// ErrInvalidTenant is returned for an empty tenant id.
var ErrInvalidTenant = errors.New("invalid tenant id")

// Fragment is one remembered piece of a message.
type Fragment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	// Seq orders the fragments of one message.
	Seq int `json:"seq"`
	// Score is the similarity to the query; set by Retrieve only.
	Score float32 `json:"score,omitempty"`
}

// AppendResult describes one Append.
type AppendResult struct {
	Inserted int
	Evicted  int
	// Total is the number of fragments held after the append.
	Total int
}

// ErrStaleHistory is returned by HistoryCache.SetIfVersion when the tenant's
// entry was invalidated after the version was read.
var ErrStaleHistory = errors.New("history changed since version was read")

// HistoryCache caches History results. Implementations must tolerate
// concurrent use, including from other processes sharing the cache.
type HistoryCache interface {
	Get(ctx context.Context, tenantID string) ([]Fragment, bool, error)
	// Version returns a counter that every Delete of tenantID advances.
	Version(ctx context.Context, tenantID string) (int64, error)
	// SetIfVersion stores fragments only while the tenant's version still
	// equals version, and returns ErrStaleHistory otherwise.
	SetIfVersion(ctx context.Context, tenantID string, version int64, fragments []Fragment) error
	Delete(ctx context.Context, tenantIDs ...string) error
}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	Limit        int
	ChunkSize    int
	ChunkOverlap int
	// Cache is optional.
	Cache  HistoryCache
	Logger *slog.Logger
	// Now stamps new fragments; defaults to time.Now.
	Now func() time.Time
}

// Store is the conversation memory. It is safe for concurrent use; appends
// for one tenant are serialized within the process. Appends from separate
// processes sharing an index can each read the same count before writing,
// so across processes the bound may be exceeded by the racing fragments
// until the next append.
type Store struct {
	index    index.Index
	embedder embedding.Embedder
	opts     Options
	locks    *keyedMutex
	logger   *slog.Logger
}

// New creates a Store.
func New(idx index.Index, embedder embedding.Embedder, opts Options) *Store {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = textsplit.MemorySize
	}
	if opts.ChunkOverlap <= 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = min(textsplit.MemoryOverlap, opts.ChunkSize/6)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		index:    idx,
		embedder: embedder,
		opts:     opts,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// Limit returns the per-tenant fragment bound.
func (s *Store) Limit() int {
	return s.opts.Limit
}

// Append stores text in tenantID's memory, then evicts the oldest
// fragments so that at most Limit remain. A message that alone splits into
// more than Limit fragments keeps only its last Limit. Nothing is evicted
// unless the new fragments were stored; a failed eviction leaves the
// tenant above Limit until the next successful append.
func (s *Store) Append(ctx context.Context, tenantID, text string) (AppendResult, error) {
	coll, err := collectionFor(tenantID)
	if err != nil {
		return AppendResult{}, err
	}
	pieces := textsplit.Split(text, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if len(pieces) == 0 {
		return AppendResult{}, nil
	}
	if len(pieces) > s.opts.Limit {
		pieces = pieces[len(pieces)-s.opts.Limit:]
	}

	vectors, err := embedding.EmbedBatched(ctx, s.embedder, pieces, 0)
	if err != nil {
		return AppendResult{}, fmt.Errorf("embed memory of %s: %w", tenantID, err)
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	existing, err := s.fragments(ctx, tenantID)
	if err != nil {
		return AppendResult{}, err
	}

	// Keep timestamps strictly increasing even when the clock is coarse.
	now := s.opts.Now()
	if n := len(existing); n > 0 && !now.After(existing[n-1].Timestamp) {
		now = existing[n-1].Timestamp.Add(time.Nanosecond)
	}
	ts := strconv.FormatInt(now.UnixNano(), 10)

	chunks := make([]index.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = index.Chunk{
			ID:      uuid.NewString(),
			Source:  tenantID,
			Content: p,
			Vector:  vectors[i],
			Metadata: map[string]string{
				MetaTenantID:  tenantID,
				MetaTimestamp: ts,
				MetaSeq:       strconv.Itoa(i),
			},
		}
	}
	if err := s.index.Upsert(ctx, coll, chunks); err != nil {
		return AppendResult{}, fmt.Errorf("store memory of %s: %w", tenantID, err)
	}
	s.invalidate(ctx, tenantID)
	res := AppendResult{Inserted: len(chunks), Total: len(existing) + len(chunks)}

	if excess := res.Total - s.opts.Limit; excess > 0 {
		ids := make([]string, excess)
		for i, f := range existing[:excess] {
			ids[i] = f.ID
		}
		if err := s.index.Delete(ctx, coll, ids); err != nil {
			return res, fmt.Errorf("evict memory of %s: %w", tenantID, err)
		}
		res.Evicted = excess
		res.Total -= excess
		s.invalidate(ctx, tenantID)
	}

	s.logger.Debug("appended memory", "tenant_id", tenantID, "inserted", res.Inserted, "evicted", res.Evicted)
	return res, nil
}

// Retrieve returns up to k fragments of tenantID's memory ranked by
// similarity to query. Only the tenant's own collection is searched.
func (s *Store) Retrieve(ctx context.Context, tenantID, query string, k int) ([]Fragment, error) {
	coll, err := collectionFor(tenantID)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	vec, err := embedding.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, coll, vec, k)
	if err != nil {
		return nil, fmt.Errorf("search memory of %s: %w", tenantID, err)
	}

	out := make([]Fragment, 0, len(hits))
	for _, h := range hits {
		f := fragmentFrom(h.Chunk)
		if f.TenantID != tenantID {
			continue
		}
		f.Score = h.Score
		out = append(out, f)
	}
	return out, nil
}

// History returns all of tenantID's fragments, oldest first. A cache miss
// is filled under the tenant lock, and only if no append or clear
// invalidated the tenant since the read began, so a snapshot older than an
// invalidation is never cached.
func (s *Store) History(ctx context.Context, tenantID string) ([]Fragment, error) {
	if _, err := collectionFor(tenantID); err != nil {
		return nil, err
	}
	if s.opts.Cache == nil {
		return s.fragments(ctx, tenantID)
	}

	cached, ok, err := s.opts.Cache.Get(ctx, tenantID)
	if err != nil {
		s.logger.Warn("history cache read failed", "tenant_id", tenantID, "error", err)
	} else if ok {
		return cached, nil
	}

	unlock := s.locks.Lock(tenantID)
	defer unlock()

	version, verErr := s.opts.Cache.Version(ctx, tenantID)
	frags, err := s.fragments(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if verErr != nil {
		s.logger.Warn("history cache version read failed", "tenant_id", tenantID, "error", verErr)
		return frags, nil
	}
	switch err := s.opts.Cache.SetIfVersion(ctx, tenantID, version, frags); {
	case errors.Is(err, ErrStaleHistory):
		s.logger.Debug("skipped caching stale history", "tenant_id", tenantID)
	case err != nil:
		s.logger.Warn("history cache write failed", "tenant_id", tenantID, "error", err)
	}
	return frags, nil
}

// Count returns the number of fragments held for tenantID.
func (s *Store) Count(ctx context.Context, tenantID string) (int, error) {
	coll, err := collectionFor(tenantID)
	if err != nil {
		return 0, err
	}
	return s.index.Count(ctx, coll)
}

// Clear forgets everything remembered for tenantID.
func (s *Store) Clear(ctx context.Context, tenantID string) error {
	coll, err := collectionFor(tenantID)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	if err := s.index.DropCollection(ctx, coll); err != nil {
		return fmt.Errorf("clear memory of %s: %w", tenantID, err)
	}
	s.invalidate(ctx, tenantID)
	s.logger.Info("cleared memory", "tenant_id", tenantID)
	return nil
}

// ClearAll forgets every tenant's memory.
func (s *Store) ClearAll(ctx context.Context) error {
	tenants, err := s.Tenants(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tenants {
		if err := s.Clear(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tenants returns the tenants that have a memory collection, sorted.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	names, err := s.index.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var tenants []string
	for _, name := range names {
		if t, ok := TenantFromCollection(name); ok {
			tenants = append(tenants, t)
		}
	}
	slices.Sort(tenants)
	return tenants, nil
}

// fragments returns the tenant's fragments ordered by (timestamp, seq).
func (s *Store) fragments(ctx context.Context, tenantID string) ([]Fragment, error) {
	coll, err := collectionFor(tenantID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.index.Scan(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("read memory of %s: %w", tenantID, err)
	}
	frags := make([]Fragment, len(chunks))
	for i, c := range chunks {
		frags[i] = fragmentFrom(c)
	}
	slices.SortStableFunc(frags, func(a, b Fragment) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return a.Seq - b.Seq
	})
	return frags, nil
}

func (s *Store) invalidate(ctx context.Context, tenantID string) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Delete(ctx, tenantID); err != nil {
		s.logger.Warn("history cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

func fragmentFrom(c index.Chunk) Fragment {
	f := Fragment{ID: c.ID, TenantID: c.Metadata[MetaTenantID], Text: c.Content}
	if ns, err := strconv.ParseInt(c.Metadata[MetaTimestamp], 10, 64); err == nil {
		f.Timestamp = time.Unix(0, ns).UTC()
	}
	if seq, err := strconv.Atoi(c.Metadata[MetaSeq]); err == nil {
		f.Seq = seq
	}
	return f
}

// CollectionName returns the index collection holding tenantID's memory.
// Letters and digits are kept; every other byte, underscore included, is
// written as an underscore followed by two hex digits, so distinct tenants
// never share a collection.
func CollectionName(tenantID string) string {
	var sb strings.Builder
	sb.WriteString(CollectionPrefix)
	for i := 0; i < len(tenantID); i++ {
		b := tenantID[i]
		if isAlnum(b) {
			sb.WriteByte(b)
			continue
		}
		fmt.Fprintf(&sb, "_%02x", b)
	}
	return sb.String()
}

// TenantFromCollection reverses CollectionName.
func TenantFromCollection(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, CollectionPrefix)
	if !ok || rest == "" {
		return "", false
	}
	var out []byte
	for i := 0; i < len(rest); i++ {
		b := rest[i]
		if isAlnum(b) {
			out = append(out, b)
			continue
		}
		if b != '_' || i+3 > len(rest) {
			return "", false
		}
		v, err := strconv.ParseUint(rest[i+1:i+3], 16, 8)
		if err != nil {
			return "", false
		}
		out = append(out, byte(v))
		i += 2
	}
	return string(out), true
}

func collectionFor(tenantID string) (string, error) {
	if tenantID == "" {
		return "", ErrInvalidTenant
	}
	name := CollectionName(tenantID)
	if err := index.ValidateCollection(name); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidTenant, err)
	}
	return name, nil
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
