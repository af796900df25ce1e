package stream

import (
	"context"
	"testing"
	"time"

	"bizregistry.org/internal/audit"
)

func TestPublishFansOut(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)
	if err := s.Write(ctx, audit.Event{Kind: audit.KindClientCreated}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, ch := range []<-chan audit.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Kind != audit.KindClientCreated {
				t.Fatalf("kind = %s", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			s.Publish(audit.Event{Kind: audit.KindAccessDenied})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := s.Subscribers(); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}
