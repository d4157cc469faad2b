package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/IBM/sarama"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (f *fakeInvalidator) InvalidateUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return f.err
}

func msg(v string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "museum-changes", Value: []byte(v)}
}

func TestProcessOne_InvalidatesEveryUser(t *testing.T) {
	inv := &fakeInvalidator{}
	c := NewMuseumConsumer(ConsumerConfig{}, inv, nil)

	err := c.ProcessOne(context.Background(), msg(`{"op":"update","museum_id":"m1","users":["u1","u2"],"version":1}`))
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !slices.Equal(inv.users, []string{"u1", "u2"}) {
		t.Fatalf("invalidated=%v", inv.users)
	}
}

func TestProcessOne_SkipsOlderVersions(t *testing.T) {
	inv := &fakeInvalidator{}
	c := NewMuseumConsumer(ConsumerConfig{}, inv, nil)
	ctx := context.Background()

	_ = c.ProcessOne(ctx, msg(`{"museum_id":"m1","users":["u1"],"version":5}`))
	_ = c.ProcessOne(ctx, msg(`{"museum_id":"m1","users":["u1"],"version":4}`))
	_ = c.ProcessOne(ctx, msg(`{"museum_id":"m1","users":["u1"],"version":5}`))
	_ = c.ProcessOne(ctx, msg(`{"museum_id":"m2","users":["u9"],"version":1}`))
	// unversioned events always apply
	_ = c.ProcessOne(ctx, msg(`{"museum_id":"m1","users":["u1"]}`))

	if !slices.Equal(inv.users, []string{"u1", "u9", "u1"}) {
		t.Fatalf("invalidated=%v", inv.users)
	}
}

func TestProcessOne_PoisonMessagesAreSkipped(t *testing.T) {
	inv := &fakeInvalidator{}
	c := NewMuseumConsumer(ConsumerConfig{}, inv, nil)

	for _, v := range []string{`not json`, `{"museum_id":"m1"}`, `{"users":["u1"]}`} {
		if err := c.ProcessOne(context.Background(), msg(v)); err != nil {
			t.Fatalf("%s: err=%v", v, err)
		}
	}
	if len(inv.users) != 0 {
		t.Fatalf("invalidated=%v", inv.users)
	}
}

func TestProcessOne_InvalidatorErrorIsReturned(t *testing.T) {
	inv := &fakeInvalidator{err: errors.New("redis down")}
	c := NewMuseumConsumer(ConsumerConfig{}, inv, nil)

	err := c.ProcessOne(context.Background(), msg(`{"museum_id":"m1","users":["u1","u2"]}`))
	if err == nil || !errors.Is(err, inv.err) {
		t.Fatalf("err=%v", err)
	}
	if len(inv.users) != 2 {
		t.Fatalf("all users should still be attempted, got %v", inv.users)
	}
}

func TestStart_RequiresInvalidator(t *testing.T) {
	if err := NewMuseumConsumer(ConsumerConfig{}, nil, nil).Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
