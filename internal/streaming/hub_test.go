package streaming

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	h := New(Config{})
	ch, cancel := h.Subscribe(ConvTopic("c1"))
	defer cancel()

	h.Publish(ConvTopic("c1"), EventTypeChunk, "hello")

	select {
	case evt := <-ch:
		if evt.Payload != "hello" {
			t.Fatalf("Payload = %v, want hello", evt.Payload)
		}
		if evt.Sequence != 1 {
			t.Fatalf("Sequence = %d, want 1", evt.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishSequenceIsMonotonicPerTopic(t *testing.T) {
	h := New(Config{})
	ch, cancel := h.Subscribe(ConvTopic("c1"))
	defer cancel()

	h.Publish(ConvTopic("c1"), EventTypeChunk, "a")
	h.Publish(ConvTopic("c1"), EventTypeChunk, "b")

	first := <-ch
	second := <-ch
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("sequences = %d, %d; want 1, 2", first.Sequence, second.Sequence)
	}
}

func TestPublishDropsOnFullBufferAndNoticesSlowConsumer(t *testing.T) {
	h := New(Config{BufferSize: 1})
	ch, cancel := h.Subscribe(ConvTopic("c1"))
	defer cancel()

	// Fill the buffer without draining it.
	h.Publish(ConvTopic("c1"), EventTypeChunk, "first")
	h.Publish(ConvTopic("c1"), EventTypeChunk, "dropped")

	evt := <-ch
	if evt.Payload != "first" {
		t.Fatalf("expected the first event to survive, got %v", evt.Payload)
	}

	// The dropped publish should have left a slow_consumer notice queued
	// (queued after the buffer had a free slot from draining "first" is not
	// guaranteed since the notice attempt happened before the drain; this
	// assertion only checks no panic/deadlock occurred end to end).
}

func TestSubscribersOnDifferentTopicsAreIsolated(t *testing.T) {
	h := New(Config{})
	chA, cancelA := h.Subscribe(ConvTopic("a"))
	defer cancelA()
	chB, cancelB := h.Subscribe(ConvTopic("b"))
	defer cancelB()

	h.Publish(ConvTopic("a"), EventTypeChunk, "for-a")

	select {
	case evt := <-chA:
		if evt.Payload != "for-a" {
			t.Fatalf("Payload = %v, want for-a", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for topic a event")
	}

	select {
	case evt := <-chB:
		t.Fatalf("topic b should not have received an event, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesTheChannel(t *testing.T) {
	h := New(Config{})
	ch, cancel := h.Subscribe(ConvTopic("c1"))
	cancel()

	_, ok := <-ch
	if ok {
		t.Fatal("expected the channel to be closed after cancel")
	}
}
