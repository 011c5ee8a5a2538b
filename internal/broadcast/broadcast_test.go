package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestBroker(t *testing.T) *Broker {
	t.Helper()
	s := miniredis.RunT(t)
	broker, err := NewBroker("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestPublishSubscribe(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	messages, cancel, err := broker.Subscribe(ctx, "edit:posts:1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	payload, _ := json.Marshal(map[string]any{"params": map[string]string{"title": "Hello"}})
	sent := Message{Source: "p-1", Kind: KindFormState, Payload: payload}
	if err := broker.Publish(ctx, "edit:posts:1", sent); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-messages:
		if got.Source != "p-1" || got.Kind != KindFormState {
			t.Fatalf("unexpected message: %+v", got)
		}
		var body struct {
			Params map[string]string `json:"params"`
		}
		if err := json.Unmarshal(got.Payload, &body); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if body.Params["title"] != "Hello" {
			t.Errorf("expected title Hello, got %q", body.Params["title"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	messages, cancel, err := broker.Subscribe(ctx, "edit:posts:1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cancel()

	if err := broker.Publish(ctx, "edit:posts:2", Message{Source: "p-9", Kind: KindFormState}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-messages:
		t.Fatalf("received message from another topic: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeCancelReleasesUndrainedForwarder(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	messages, cancel, err := broker.Subscribe(ctx, "edit:posts:3")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// fill well past the delivery buffer without ever draining
	for i := 0; i < 64; i++ {
		if err := broker.Publish(ctx, "edit:posts:3", Message{Source: "p-1", Kind: KindFormState}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("message channel still open after cancel")
		}
	}
}
