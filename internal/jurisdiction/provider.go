// Package jurisdiction resolves and applies the per-user museum boundary
// that scopes every spatial query of a session.
package jurisdiction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
)

// Source looks up the museum a user belongs to.
type Source interface {
	MuseumForUser(ctx context.Context, userID string) (*baas.Museum, error)
}

// Store is the shared second-tier cache. Optional.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type Options struct {
	TTL       time.Duration
	Size      int
	OpTimeout time.Duration
}

// entry caches a lookup result; a nil boundary records "no museum".
type entry struct {
	Boundary *model.Geometry `json:"boundary,omitempty"`
	Absent   bool            `json:"absent,omitempty"`
}

type Provider struct {
	src    Source
	store  Store
	l1     *expirable.LRU[string, entry]
	ttl    time.Duration
	opTO   time.Duration
	logger *slog.Logger

	sf singleflight.Group

	mu  sync.Mutex
	gen map[string]uint64
}

func NewProvider(src Source, store Store, opts Options, logger *slog.Logger) *Provider {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		src:    src,
		store:  store,
		l1:     expirable.NewLRU[string, entry](opts.Size, nil, opts.TTL),
		ttl:    opts.TTL,
		opTO:   opts.OpTimeout,
		logger: logger,
		gen:    map[string]uint64{},
	}
}

func cacheKey(userID string) string { return "jurisdiction:v1:" + userID }

// Load returns the user's boundary; nil means no restriction.
func (p *Provider) Load(ctx context.Context, userID string) (*model.Geometry, error) {
	if e, ok := p.l1.Get(userID); ok {
		observability.IncJurisdictionCache("memory", "hit")
		return e.Boundary, nil
	}
	observability.IncJurisdictionCache("memory", "miss")

	v, err, _ := p.sf.Do(userID, func() (any, error) {
		return p.fill(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(entry).Boundary, nil
}

func (p *Provider) fill(ctx context.Context, userID string) (entry, error) {
	gen := p.generation(userID)

	if e, ok := p.readStore(ctx, userID); ok {
		p.remember(userID, gen, e)
		return e, nil
	}

	museum, err := p.src.MuseumForUser(ctx, userID)
	if err != nil {
		return entry{}, fmt.Errorf("load museum for %s: %w", userID, err)
	}
	boundary, err := museum.Boundary()
	if err != nil {
		return entry{}, fmt.Errorf("museum %s boundary: %w", museum.ID, err)
	}
	e := entry{Boundary: boundary, Absent: boundary == nil}
	if p.remember(userID, gen, e) {
		p.writeStore(ctx, userID, e)
	}
	return e, nil
}

// Invalidate drops the cached boundary in both tiers. Loads already in
// flight do not repopulate the cache.
func (p *Provider) Invalidate(ctx context.Context, userID string) error {
	p.mu.Lock()
	p.gen[userID]++
	p.mu.Unlock()

	p.sf.Forget(userID)
	p.l1.Remove(userID)
	if p.store == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, p.opTO)
	defer cancel()
	if err := p.store.Del(sctx, cacheKey(userID)); err != nil {
		return fmt.Errorf("invalidate %s: %w", userID, err)
	}
	return nil
}

// Refresh invalidates and reloads.
func (p *Provider) Refresh(ctx context.Context, userID string) (*model.Geometry, error) {
	if err := p.Invalidate(ctx, userID); err != nil {
		p.logger.WarnContext(ctx, "jurisdiction invalidate failed", "err", err)
	}
	return p.Load(ctx, userID)
}

func (p *Provider) generation(userID string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen[userID]
}

// remember stores e unless the user was invalidated since gen was read.
func (p *Provider) remember(userID string, gen uint64, e entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen[userID] != gen {
		return false
	}
	p.l1.Add(userID, e)
	return true
}

func (p *Provider) readStore(ctx context.Context, userID string) (entry, bool) {
	if p.store == nil {
		return entry{}, false
	}
	sctx, cancel := context.WithTimeout(ctx, p.opTO)
	defer cancel()

	raw, ok, err := p.store.Get(sctx, cacheKey(userID))
	if err != nil {
		observability.IncJurisdictionCache("redis", "error")
		p.logger.WarnContext(ctx, "jurisdiction cache read failed", "err", err)
		return entry{}, false
	}
	if !ok {
		observability.IncJurisdictionCache("redis", "miss")
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		observability.IncJurisdictionCache("redis", "error")
		p.logger.WarnContext(ctx, "jurisdiction cache entry corrupt", "err", err)
		return entry{}, false
	}
	observability.IncJurisdictionCache("redis", "hit")
	return e, true
}

func (p *Provider) writeStore(ctx context.Context, userID string, e entry) {
	if p.store == nil {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		p.logger.WarnContext(ctx, "jurisdiction cache encode failed", "err", err)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, p.opTO)
	defer cancel()
	if err := p.store.Set(sctx, cacheKey(userID), raw, p.ttl); err != nil {
		p.logger.WarnContext(ctx, "jurisdiction cache write failed", "err", err)
	}
}
