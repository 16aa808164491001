package bus

import (
	"fmt"
	"testing"
	"time"
)

func recvOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestFanOut(t *testing.T) {
	b := New(8, nil)
	a := b.Subscribe(TopicJudgment)
	c := b.Subscribe(TopicJudgment)
	defer a.Close()
	defer c.Close()

	b.Publish(TopicJudgment, map[string]any{"id": "j1"})

	for _, sub := range []*Subscription{a, c} {
		ev := recvOne(t, sub)
		if ev.Topic != TopicJudgment || ev.Payload["id"] != "j1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
}

func TestTopicFiltering(t *testing.T) {
	b := New(8, nil)
	blocks := b.Subscribe(TopicBlock)
	defer blocks.Close()

	b.Publish(TopicJudgment, map[string]any{"id": "j1"})
	b.Publish(TopicBlock, map[string]any{"slot": 1})

	ev := recvOne(t, blocks)
	if ev.Topic != TopicBlock {
		t.Fatalf("block subscriber got %s event", ev.Topic)
	}
	select {
	case ev := <-blocks.C():
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestEmptyTopicsReceivesEverything(t *testing.T) {
	b := New(8, nil)
	all := b.Subscribe()
	defer all.Close()

	b.Publish(TopicJudgment, nil)
	b.Publish(TopicAlert, nil)

	if ev := recvOne(t, all); ev.Topic != TopicJudgment {
		t.Fatalf("first event: %s", ev.Topic)
	}
	if ev := recvOne(t, all); ev.Topic != TopicAlert {
		t.Fatalf("second event: %s", ev.Topic)
	}
}

func TestOrderingWithinTopic(t *testing.T) {
	b := New(64, nil)
	sub := b.Subscribe(TopicJudgment)
	defer sub.Close()

	for i := range 20 {
		b.Publish(TopicJudgment, map[string]any{"seq": i})
	}
	for i := range 20 {
		ev := recvOne(t, sub)
		if ev.Payload["seq"] != i {
			t.Fatalf("out of order: got %v at position %d", ev.Payload["seq"], i)
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(2, nil)
	slow := b.Subscribe(TopicJudgment)
	defer slow.Close()

	for i := range 5 {
		b.Publish(TopicJudgment, map[string]any{"seq": i})
	}

	// Capacity 2: seqs 0..2 were shed, 3 and 4 remain.
	if ev := recvOne(t, slow); ev.Payload["seq"] != 3 {
		t.Fatalf("expected seq 3 first, got %v", ev.Payload["seq"])
	}
	if ev := recvOne(t, slow); ev.Payload["seq"] != 4 {
		t.Fatalf("expected seq 4 second, got %v", ev.Payload["seq"])
	}
	if slow.Drops() != 3 {
		t.Fatalf("drop counter = %d, want 3", slow.Drops())
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1, nil)
	slow := b.Subscribe(TopicJudgment)
	fast := b.Subscribe(TopicJudgment)
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			b.Publish(TopicJudgment, map[string]any{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe(TopicJudgment)
	sub.Close()
	sub.Close()

	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d after close", b.SubscriberCount())
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed")
	}

	// Publishing to a bus with no subscribers is a no-op.
	b.Publish(TopicJudgment, map[string]any{"id": fmt.Sprint(1)})
}
