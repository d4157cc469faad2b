package jurisdiction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/feature-promotion/internal/baas"
	"github.com/mohammed-shakir/feature-promotion/internal/cache/redisstore"
)

const squareGeoJSON = `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}`

type fakeSource struct {
	mu      sync.Mutex
	museums map[string]*baas.Museum
	err     error
	calls   atomic.Int32
	gate    chan struct{}
}

func (f *fakeSource) MuseumForUser(_ context.Context, userID string) (*baas.Museum, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.museums[userID], nil
}

func (f *fakeSource) set(userID, geojson string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.museums == nil {
		f.museums = map[string]*baas.Museum{}
	}
	f.museums[userID] = &baas.Museum{ID: "m-" + userID, GeoJSON: json.RawMessage(geojson)}
}

func newRedis(t *testing.T) *redisstore.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestLoad_CachesBoundaryAndAbsence(t *testing.T) {
	src := &fakeSource{}
	src.set("u1", squareGeoJSON)
	p := NewProvider(src, nil, Options{}, nil)
	ctx := context.Background()

	for range 3 {
		b, err := p.Load(ctx, "u1")
		if err != nil || b == nil {
			t.Fatalf("Load u1: %v %v", b, err)
		}
	}
	for range 3 {
		b, err := p.Load(ctx, "nobody")
		if err != nil || b != nil {
			t.Fatalf("Load nobody: %v %v", b, err)
		}
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source calls=%d want 2", n)
	}
}

func TestLoad_ErrorsAreNotCached(t *testing.T) {
	src := &fakeSource{err: baas.ErrUnavailable}
	p := NewProvider(src, nil, Options{}, nil)

	if _, err := p.Load(context.Background(), "u1"); !errors.Is(err, baas.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.set("u1", squareGeoJSON)
	if b, err := p.Load(context.Background(), "u1"); err != nil || b == nil {
		t.Fatalf("second Load: %v %v", b, err)
	}
}

func TestLoad_MalformedBoundary(t *testing.T) {
	src := &fakeSource{}
	src.set("u1", `{"geometry":{"coordinates":"bad"}}`)
	p := NewProvider(src, nil, Options{}, nil)
	if _, err := p.Load(context.Background(), "u1"); !errors.Is(err, baas.ErrMalformedBoundary) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoad_SharedRedisTier(t *testing.T) {
	rc := newRedis(t)
	src := &fakeSource{}
	src.set("u1", squareGeoJSON)
	ctx := context.Background()

	a := NewProvider(src, rc, Options{TTL: time.Minute}, nil)
	if _, err := a.Load(ctx, "u1"); err != nil {
		t.Fatalf("Load a: %v", err)
	}
	if _, err := a.Load(ctx, "nobody"); err != nil {
		t.Fatalf("Load a nobody: %v", err)
	}

	b := NewProvider(src, rc, Options{TTL: time.Minute}, nil)
	got, err := b.Load(ctx, "u1")
	if err != nil || got == nil || got.SpatialRef() != 4326 {
		t.Fatalf("Load b: %v %v", got, err)
	}
	if got, err := b.Load(ctx, "nobody"); err != nil || got != nil {
		t.Fatalf("Load b nobody: %v %v", got, err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source calls=%d want 2 (second provider served from redis)", n)
	}
}

func TestInvalidateAndRefresh(t *testing.T) {
	rc := newRedis(t)
	src := &fakeSource{}
	src.set("u1", squareGeoJSON)
	p := NewProvider(src, rc, Options{}, nil)
	ctx := context.Background()

	if _, err := p.Load(ctx, "u1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	src.set("u1", `{"geometry":{"coordinates":[[]]}}`)

	if b, _ := p.Load(ctx, "u1"); b == nil || b.Geom.Bound().IsEmpty() {
		t.Fatal("expected cached boundary before invalidation")
	}

	b, err := p.Refresh(ctx, "u1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if b == nil || !b.Geom.Bound().IsEmpty() {
		t.Fatalf("refreshed boundary=%v want empty polygon", b)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source calls=%d want 2", n)
	}

	if err := p.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, cacheKey("u1")); ok {
		t.Fatal("redis entry survived invalidation")
	}
}

func TestLoad_ConcurrentCallsCollapse(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.set("u1", squareGeoJSON)
	p := NewProvider(src, nil, Options{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Load(context.Background(), "u1")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls=%d want 1", n)
	}
}

func TestInvalidate_DuringLoadIsNotOverwritten(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	src.set("u1", squareGeoJSON)
	p := NewProvider(src, nil, Options{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Load(context.Background(), "u1")
	}()
	for src.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := p.Invalidate(context.Background(), "u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	close(src.gate)
	<-done

	if _, ok := p.l1.Get("u1"); ok {
		t.Fatal("stale in-flight load repopulated the cache")
	}
}
