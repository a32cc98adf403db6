package registry

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"pushrpc/internal/cache"
)

func collector() (*Consumer, *[]string) {
	var mu sync.Mutex
	values := &[]string{}
	c := NewConsumer(func(data json.RawMessage) {
		mu.Lock()
		*values = append(*values, string(data))
		mu.Unlock()
	})
	return c, values
}

func TestRegistry_SubscribeDeliversInitial(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c, values := collector()

	r.Subscribe(json.RawMessage(`{"r":"1"}`), "item", nil, c)

	if len(*values) != 1 || (*values)[0] != `{"r":"1"}` {
		t.Fatalf("values = %v, want [{\"r\":\"1\"}]", *values)
	}
	if r.Count("item", nil) != 1 {
		t.Errorf("Count = %d, want 1", r.Count("item", nil))
	}
}

func TestRegistry_ConsumeUpdatesAndFansOut(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c1, v1 := collector()
	c2, v2 := collector()

	r.Subscribe(json.RawMessage(`1`), "item", nil, c1)
	r.Subscribe(json.RawMessage(`1`), "item", nil, c2)
	r.Consume("item", nil, json.RawMessage(`2`))

	if len(*v1) != 2 || (*v1)[1] != `2` {
		t.Errorf("consumer1 values = %v", *v1)
	}
	if len(*v2) != 2 || (*v2)[1] != `2` {
		t.Errorf("consumer2 values = %v", *v2)
	}

	cached, ok := r.GetCached("item", nil)
	if !ok || string(cached) != `2` {
		t.Errorf("GetCached = %s, %v; want 2, true", cached, ok)
	}
}

func TestRegistry_ConsumeWithoutRecordIsSilent(t *testing.T) {
	r := New(nil, zerolog.Nop())
	r.Consume("ghost", nil, json.RawMessage(`1`))
	if r.Count("ghost", nil) != 0 {
		t.Error("consume created a record")
	}
}

func TestRegistry_DuplicateHandleCountsTwice(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c, values := collector()

	r.Subscribe(json.RawMessage(`1`), "item", nil, c)
	r.Subscribe(json.RawMessage(`1`), "item", nil, c)
	if r.Count("item", nil) != 2 {
		t.Fatalf("Count = %d, want 2", r.Count("item", nil))
	}

	if last := r.Unsubscribe("item", nil, c); last {
		t.Error("first unsubscribe reported empty record")
	}

	// The remaining occurrence keeps receiving.
	r.Consume("item", nil, json.RawMessage(`2`))
	if (*values)[len(*values)-1] != `2` {
		t.Errorf("remaining occurrence missed delivery: %v", *values)
	}

	if last := r.Unsubscribe("item", nil, c); !last {
		t.Error("second unsubscribe did not report empty record")
	}
	if r.Count("item", nil) != 0 {
		t.Errorf("Count = %d, want 0", r.Count("item", nil))
	}
}

func TestRegistry_NoDeliveryAfterUnsubscribe(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c, values := collector()

	r.Subscribe(json.RawMessage(`1`), "item", nil, c)
	r.Unsubscribe("item", nil, c)
	before := len(*values)

	// Deliver on a stale reference to the handle; the detached consumer
	// must stay silent.
	c.Deliver(json.RawMessage(`2`))
	if len(*values) != before {
		t.Errorf("detached consumer was invoked: %v", *values)
	}
}

func TestRegistry_UnsubscribeUnknownConsumerIsNoop(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c1, _ := collector()
	c2, _ := collector()

	r.Subscribe(json.RawMessage(`1`), "item", nil, c1)
	if last := r.Unsubscribe("item", nil, c2); last {
		t.Error("unsubscribing an unknown consumer emptied the record")
	}
	if r.Count("item", nil) != 1 {
		t.Errorf("Count = %d, want 1", r.Count("item", nil))
	}
}

func TestRegistry_SelfUnsubscribeDuringConsume(t *testing.T) {
	r := New(nil, zerolog.Nop())

	var selfish *Consumer
	selfish = NewConsumer(func(data json.RawMessage) {
		// Only the pushed value triggers the self-unsubscribe, so it
		// happens inside Consume's fan-out rather than on subscribe.
		if string(data) == `2` {
			r.Unsubscribe("item", nil, selfish)
		}
	})
	c2, v2 := collector()

	r.Subscribe(json.RawMessage(`1`), "item", nil, selfish)
	r.Subscribe(json.RawMessage(`1`), "item", nil, c2)

	r.Consume("item", nil, json.RawMessage(`2`))

	if (*v2)[len(*v2)-1] != `2` {
		t.Errorf("second consumer missed delivery: %v", *v2)
	}
	if r.Count("item", nil) != 1 {
		t.Errorf("Count = %d, want 1 after self-unsubscribe", r.Count("item", nil))
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c1, _ := collector()
	c2, _ := collector()

	r.Subscribe(json.RawMessage(`1`), "a", nil, c1)
	r.Subscribe(json.RawMessage(`2`), "b", json.RawMessage(`["x"]`), c2)

	subs := r.Snapshot()
	if len(subs) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(subs))
	}
	for _, sub := range subs {
		if len(sub.Consumers) != 1 {
			t.Errorf("key %s has %d consumers, want 1", sub.ItemName, len(sub.Consumers))
		}
	}
}

func TestRegistry_ExternalCacheAdapter(t *testing.T) {
	adapter, err := cache.NewMemory(16, 0)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	defer adapter.Close()

	r := New(adapter, zerolog.Nop())
	c, _ := collector()

	// Write-through on subscribe.
	r.Subscribe(json.RawMessage(`{"r":"1"}`), "item", nil, c)
	r.Unsubscribe("item", nil, c)

	// Record is gone; the adapter still answers.
	cached, ok := r.GetCached("item", nil)
	if !ok || string(cached) != `{"r":"1"}` {
		t.Fatalf("GetCached after unsubscribe = %s, %v", cached, ok)
	}

	// Write-through on consume as well.
	c2, _ := collector()
	r.Subscribe(json.RawMessage(`{"r":"1"}`), "item", nil, c2)
	r.Consume("item", nil, json.RawMessage(`{"r":"2"}`))
	r.Unsubscribe("item", nil, c2)

	cached, ok = r.GetCached("item", nil)
	if !ok || string(cached) != `{"r":"2"}` {
		t.Errorf("GetCached after consume = %s, %v", cached, ok)
	}
}

func TestRegistry_KeysSeparateParams(t *testing.T) {
	r := New(nil, zerolog.Nop())
	c1, v1 := collector()
	c2, v2 := collector()

	r.Subscribe(json.RawMessage(`1`), "item", json.RawMessage(`["a"]`), c1)
	r.Subscribe(json.RawMessage(`2`), "item", json.RawMessage(`["b"]`), c2)

	r.Consume("item", json.RawMessage(`["a"]`), json.RawMessage(`10`))

	if (*v1)[len(*v1)-1] != `10` {
		t.Errorf("consumer for [a] = %v", *v1)
	}
	if (*v2)[len(*v2)-1] == `10` {
		t.Errorf("consumer for [b] received [a]'s value: %v", *v2)
	}
}
