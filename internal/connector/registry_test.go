package connector

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func sender(id string) Connector {
	return Connector{ID: id, Kind: KindSender, Host: "localhost", Port: 2575}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Connector
		ok   bool
	}{
		{"sender", sender("a"), true},
		{"receiver", Connector{ID: "r", Kind: KindReceiver, Port: 2576}, true},
		{"missing id", Connector{Kind: KindSender, Host: "h", Port: 1}, false},
		{"missing host", Connector{ID: "a", Kind: KindSender, Port: 1}, false},
		{"bad port", Connector{ID: "a", Kind: KindSender, Host: "h", Port: 70000}, false},
		{"bad kind", Connector{ID: "a", Kind: "other", Host: "h", Port: 1}, false},
	}
	for _, c := range cases {
		err := c.c.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestSendTimeoutDefault(t *testing.T) {
	c := sender("a")
	if c.SendTimeout() != DefaultTimeout {
		t.Errorf("timeout = %v", c.SendTimeout())
	}
	c.Timeout = 5 * time.Second
	if c.SendTimeout() != 5*time.Second {
		t.Errorf("timeout = %v", c.SendTimeout())
	}
	if c.Address() != "localhost:2575" {
		t.Errorf("address = %s", c.Address())
	}
}

func TestRegistryEvents(t *testing.T) {
	r, err := NewRegistry(sender("a"))
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}

	var events []Event
	unsubscribe := r.Subscribe(func(e Event) { events = append(events, e) })

	if err := r.Put(sender("b")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := r.Put(sender("a")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := r.SetSuspended("a", true); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	// unchanged flag emits nothing
	if _, err := r.SetSuspended("a", true); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	if err := r.Remove("b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	want := []EventType{Added, Updated, Updated, Removed}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d = %v, want %v", i, events[i].Type, typ)
		}
	}
	if !events[2].Connector.Suspended {
		t.Error("suspend event should carry suspended connector")
	}

	unsubscribe()
	_ = r.Put(sender("c"))
	if len(events) != len(want) {
		t.Error("listener called after unsubscribe")
	}
}

func TestRegistryErrors(t *testing.T) {
	r, _ := NewRegistry()
	if err := r.Remove("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := r.SetSuspended("nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := r.Put(Connector{ID: "x"}); err == nil {
		t.Error("expected validation error")
	}
	if _, err := NewRegistry(Connector{}); err == nil {
		t.Error("expected validation error from constructor")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r, _ := NewRegistry(sender("c"), sender("a"), sender("b"))
	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestRegistryEventsFollowChangeOrder(t *testing.T) {
	r, err := NewRegistry(sender("a"))
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}

	var mu sync.Mutex
	var last *bool
	r.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		suspended := e.Connector.Suspended
		last = &suspended
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(suspend bool) {
			defer wg.Done()
			if _, err := r.SetSuspended("a", suspend); err != nil {
				t.Errorf("set suspended failed: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	c, _ := r.Get("a")
	mu.Lock()
	defer mu.Unlock()
	if last == nil {
		t.Fatal("no events delivered")
	}
	if *last != c.Suspended {
		t.Fatalf("last event suspended = %v, registry suspended = %v", *last, c.Suspended)
	}
}
