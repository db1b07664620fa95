package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishInboundDeliversToConsumerAndSubscriber(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan InboundEvent, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range b.Subscribe(ctx, "telegram") {
			got <- ev
		}
	}()
	waitFor(t, func() bool { return b.SubscriberCount("telegram") == 1 })

	ev := NewInbound("telegram", "s1", "u1", "hello", map[string]any{"k": "v"})
	if err := b.PublishInbound(ctx, ev); err != nil {
		t.Fatalf("PublishInbound failed: %v", err)
	}

	next, err := b.NextInbound(ctx)
	if err != nil {
		t.Fatalf("NextInbound failed: %v", err)
	}
	if next.Text != "hello" || next.SessionID != "s1" {
		t.Errorf("unexpected consumer event: %+v", next)
	}

	select {
	case sub := <-got:
		if sub.Text != "hello" {
			t.Errorf("subscriber got %q, want hello", sub.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	// exactly once on both sides
	if depth := b.Stats().InboundDepth; depth != 0 {
		t.Errorf("inbound depth = %d, want 0", depth)
	}
	select {
	case extra := <-got:
		t.Errorf("subscriber received duplicate: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	wg.Wait()
	if n := b.SubscriberCount("telegram"); n != 0 {
		t.Errorf("subscription leaked: %d active", n)
	}
}

func TestSubscribeOnlyReceivesOwnChannel(t *testing.T) {
	b := New(Config{})
	defer b.Close()
	ctx := context.Background()

	got := make(chan InboundEvent, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range b.Subscribe(ctx, "discord") {
			got <- ev
			break
		}
	}()
	waitFor(t, func() bool { return b.SubscriberCount("discord") == 1 })

	if err := b.PublishInbound(ctx, NewInbound("slack", "s", "u", "not for you", nil)); err != nil {
		t.Fatalf("publish slack: %v", err)
	}
	if err := b.PublishInbound(ctx, NewInbound("discord", "s", "u", "for you", nil)); err != nil {
		t.Fatalf("publish discord: %v", err)
	}

	<-done
	ev := <-got
	if ev.Channel != "discord" || ev.Text != "for you" {
		t.Errorf("unexpected event: %+v", ev)
	}
	// break removes the registration
	if n := b.Stats().Subscribers; n != 0 {
		t.Errorf("subscribers = %d after break, want 0", n)
	}
}

func TestSubscribeIsRestartablePerCall(t *testing.T) {
	b := New(Config{})
	defer b.Close()
	ctx := context.Background()

	seq := b.Subscribe(ctx, "cli")
	for i := 0; i < 2; i++ {
		done := make(chan string, 1)
		go func() {
			for ev := range seq {
				done <- ev.Text
				return
			}
		}()
		waitFor(t, func() bool { return b.SubscriberCount("cli") == 1 })
		if err := b.PublishInbound(ctx, NewInbound("cli", "s", "u", "round", nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if text := <-done; text != "round" {
			t.Errorf("round %d got %q", i, text)
		}
		waitFor(t, func() bool { return b.SubscriberCount("cli") == 0 })
		if _, err := b.NextInbound(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
}

func TestPublishInboundBackpressure(t *testing.T) {
	b := New(Config{InboundCapacity: 1})
	defer b.Close()

	if err := b.PublishInbound(context.Background(), NewInbound("c", "s", "u", "1", nil)); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.PublishInbound(ctx, NewInbound("c", "s", "u", "2", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}

	// space frees -> a blocked producer proceeds
	result := make(chan error, 1)
	go func() {
		result <- b.PublishInbound(context.Background(), NewInbound("c", "s", "u", "3", nil))
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := b.NextInbound(context.Background()); err != nil {
		t.Fatalf("NextInbound: %v", err)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("blocked publish failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publish never completed")
	}
}

func TestStalledSubscriberDoesNotFailQueuedPublish(t *testing.T) {
	b := New(Config{SubscriberCapacity: 1})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stall := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range b.Subscribe(ctx, "c") {
			<-stall
		}
	}()
	waitFor(t, func() bool { return b.SubscriberCount("c") == 1 })

	// one copy held by the consumer, one filling its queue
	for _, text := range []string{"1", "2"} {
		if err := b.PublishInbound(context.Background(), NewInbound("c", "s", "u", text, nil)); err != nil {
			t.Fatalf("publish %s: %v", text, err)
		}
	}

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	if err := b.PublishInbound(short, NewInbound("c", "s", "u", "3", nil)); err != nil {
		t.Fatalf("queued publish reported failure: %v", err)
	}

	for _, want := range []string{"1", "2", "3"} {
		ev, err := b.NextInbound(context.Background())
		if err != nil || ev.Text != want {
			t.Fatalf("NextInbound = %q, %v; want %q", ev.Text, err, want)
		}
	}
	if depth := b.Stats().InboundDepth; depth != 0 {
		t.Errorf("inbound depth = %d, want 0", depth)
	}

	close(stall)
	cancel()
	wg.Wait()
}

func TestOutboundQueue(t *testing.T) {
	b := New(Config{})
	defer b.Close()
	ctx := context.Background()

	if err := b.PublishOutbound(ctx, NewOutbound("telegram", "s1", "chat-9", "reply", nil)); err != nil {
		t.Fatalf("PublishOutbound: %v", err)
	}
	if st := b.Stats(); st.OutboundDepth != 1 || st.InboundDepth != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	ev, err := b.NextOutbound(ctx)
	if err != nil {
		t.Fatalf("NextOutbound: %v", err)
	}
	if ev.TargetID != "chat-9" || ev.Text != "reply" {
		t.Errorf("unexpected outbound %+v", ev)
	}
	if ev.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt not UTC: %v", ev.CreatedAt.Location())
	}
}

func TestCloseDrainsThenFails(t *testing.T) {
	b := New(Config{})
	ctx := context.Background()

	if err := b.PublishInbound(ctx, NewInbound("c", "s", "u", "last", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	b.Close()
	b.Close() // idempotent

	if err := b.PublishInbound(ctx, NewInbound("c", "s", "u", "late", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: got %v, want ErrClosed", err)
	}
	ev, err := b.NextInbound(ctx)
	if err != nil || ev.Text != "last" {
		t.Errorf("expected queued event after close, got %+v, %v", ev, err)
	}
	if _, err := b.NextInbound(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on drained bus, got %v", err)
	}
}

func TestNewInboundCopiesMetadata(t *testing.T) {
	meta := map[string]any{"thread": "1"}
	ev := NewInbound("c", "s", "u", "x", meta)
	meta["thread"] = "2"
	if ev.MetaString("thread") != "1" {
		t.Errorf("event metadata changed with caller map: %v", ev.Metadata)
	}
}
