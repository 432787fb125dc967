package compcache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHandleResolveThenGet(t *testing.T) {
	h := NewHandle[int]()
	h.Resolve(42, nil)

	v, err := h.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 42 {
		t.Fatalf("Get = %d, want 42", v)
	}
}

func TestHandleGetBlocksUntilResolve(t *testing.T) {
	h := NewHandle[string]()

	got := make(chan string, 1)
	go func() {
		v, _ := h.Get(context.Background())
		got <- v
	}()

	select {
	case v := <-got:
		t.Fatalf("Get returned %q before Resolve", v)
	case <-time.After(20 * time.Millisecond):
	}

	h.Resolve("done", nil)
	select {
	case v := <-got:
		if v != "done" {
			t.Fatalf("Get = %q, want done", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not return after Resolve")
	}
}

func TestHandleGetContextCancel(t *testing.T) {
	h := NewHandle[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.Get(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get error = %v, want context.Canceled", err)
	}
}

func TestHandleTryGet(t *testing.T) {
	h := NewHandle[int]()
	if _, ok, _ := h.TryGet(); ok {
		t.Fatal("TryGet reported resolved before Resolve")
	}
	h.Resolve(7, nil)
	v, ok, err := h.TryGet()
	if !ok || err != nil {
		t.Fatalf("TryGet = (%v, %v, %v)", v, ok, err)
	}
	if v != 7 {
		t.Fatalf("TryGet = %d, want 7", v)
	}
}

func TestHandleResolveTwicePanics(t *testing.T) {
	h := NewHandle[int]()
	h.Resolve(1, nil)

	defer func() {
		if recover() == nil {
			t.Fatal("second Resolve did not panic")
		}
	}()
	h.Resolve(2, nil)
}
