package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/feature-promotion/internal/core/arcgis"
	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
	"github.com/mohammed-shakir/feature-promotion/internal/core/observability"
	"github.com/mohammed-shakir/feature-promotion/internal/core/stream"
	"github.com/mohammed-shakir/feature-promotion/internal/jurisdiction"
	"github.com/mohammed-shakir/feature-promotion/internal/logger"
	"github.com/mohammed-shakir/feature-promotion/internal/promotion"
	"github.com/mohammed-shakir/feature-promotion/internal/selection"
	"github.com/mohammed-shakir/feature-promotion/internal/selector"
)

const shardCount = 16

// Credentials issues feature service credentials; *credential.Broker.
type Credentials interface {
	Token(ctx context.Context) (model.Credential, error)
}

// Boundaries resolves jurisdiction boundaries; *jurisdiction.Provider.
type Boundaries interface {
	Load(ctx context.Context, userID string) (*model.Geometry, error)
	Refresh(ctx context.Context, userID string) (*model.Geometry, error)
	Invalidate(ctx context.Context, userID string) error
}

type Deps struct {
	Credentials Credentials
	// Boundaries may be nil when the jurisdiction capability is off.
	Boundaries Boundaries
	Staging    *arcgis.Layer
	// Production may be nil when the production capability is off.
	Production   *arcgis.Layer
	Capabilities model.Capabilities
	Publisher    promotion.Publisher
	IdleTTL      time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// Manager is the registry of open sessions.
type Manager struct {
	deps   Deps
	shards [shardCount]shard
}

func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.IdleTTL <= 0 {
		d.IdleTTL = 30 * time.Minute
	}
	m := &Manager{deps: d}
	for i := range m.shards {
		m.shards[i].m = map[string]*Session{}
	}
	return m
}

func (m *Manager) shard(id string) *shard {
	return &m.shards[xxhash.Sum64String(id)%shardCount]
}

// Open starts a session for userID. authToken is the caller's BaaS token,
// kept in memory for jurisdiction reloads. A credential failure aborts the
// open; nothing is registered.
func (m *Manager) Open(ctx context.Context, userID, authToken string) (*Session, error) {
	cred, err := m.deps.Credentials.Token(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx = logger.WithSessionID(ctx, id)
	log := m.deps.Logger.With("session_id", id)

	staging := m.deps.Staging.WithToken(cred.AccessToken)
	var production promotion.Dataset
	if m.deps.Production != nil {
		production = m.deps.Production.WithToken(cred.AccessToken)
	}
	opts := []promotion.Option{promotion.WithLogger(log)}
	if m.deps.Publisher != nil {
		opts = append(opts, promotion.WithPublisher(m.deps.Publisher))
	}

	tracker := &selection.Tracker{}
	s := &Session{
		ID:         id,
		UserID:     userID,
		cred:       cred,
		authToken:  authToken,
		caps:       m.deps.Capabilities,
		logger:     log,
		now:        m.deps.Now,
		boundaries: m.deps.Boundaries,
		selector:   selector.New(staging, log),
		workflow:   promotion.New(staging, production, m.deps.Capabilities, opts...),
		view:       &jurisdiction.View{},
		state:      selection.New(tracker),
		tracker:    tracker,
		hub:        stream.NewHub(log),
	}
	s.unsub = s.state.Subscribe(func(c selection.Change) {
		s.hub.Publish(EventSelection, c)
	})
	s.touch()

	if _, err := s.reloadBoundary(ctx, false); err != nil {
		s.close()
		return nil, err
	}

	sh := m.shard(id)
	sh.mu.Lock()
	sh.m[id] = s
	sh.mu.Unlock()
	observability.SessionOpened()
	log.InfoContext(ctx, "session opened", "user_id", userID, "credential", cred.String())
	return s, nil
}

// Get returns an open session and marks it used.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	s.touch()
	return s, nil
}

func (m *Manager) lookup(id string) (*Session, bool) {
	sh := m.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.m[id]
	return s, ok
}

// Close tears the session down and forgets it.
func (m *Manager) Close(id string) error {
	sh := m.shard(id)
	sh.mu.Lock()
	s, ok := sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.close()
	observability.SessionClosed()
	s.logger.Info("session closed")
	return nil
}

func (m *Manager) CloseAll() {
	for _, id := range m.ids(func(*Session) bool { return true }) {
		_ = m.Close(id)
	}
}

func (m *Manager) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep closes sessions idle longer than the configured TTL.
func (m *Manager) Sweep() int {
	now := m.deps.Now()
	ids := m.ids(func(s *Session) bool { return s.idleSince(now) > m.deps.IdleTTL })
	n := 0
	for _, id := range ids {
		if m.Close(id) == nil {
			n++
		}
	}
	if n > 0 {
		m.deps.Logger.Info("idle sessions closed", "count", n)
	}
	return n
}

// Run sweeps idle sessions until ctx ends, then closes all of them.
func (m *Manager) Run(ctx context.Context) {
	interval := m.deps.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// InvalidateUser drops the cached boundary of userID and re-applies it to
// the user's open sessions.
func (m *Manager) InvalidateUser(ctx context.Context, userID string) error {
	if m.deps.Boundaries == nil {
		return nil
	}
	if err := m.deps.Boundaries.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("invalidate %s: %w", userID, err)
	}
	var errs []error
	for _, id := range m.ids(func(s *Session) bool { return s.UserID == userID }) {
		s, ok := m.lookup(id)
		if !ok {
			continue
		}
		if _, err := s.reloadBoundary(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ids(match func(*Session) bool) []string {
	var out []string
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for id, s := range sh.m {
			if match(s) {
				out = append(out, id)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
