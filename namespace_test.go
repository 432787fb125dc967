package compcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCacheGenerateBytesOnce(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	var calls atomic.Int32
	produce := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("payload"), nil
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := c.GenerateBytes(ctx, "ns", []byte("key"), produce)
			if err != nil {
				t.Errorf("GenerateBytes: %v", err)
				return
			}
			if string(raw) != "payload" {
				t.Errorf("GenerateBytes = %q", raw)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("produce ran %d times, want 1", n)
	}
}

func TestCacheNamespacesIsolate(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	var calls atomic.Int32
	for _, ns := range []string{"a", "b"} {
		raw, err := c.GenerateBytes(ctx, ns, []byte("key"), func(ctx context.Context) ([]byte, error) {
			calls.Add(1)
			return []byte(ns), nil
		})
		if err != nil {
			t.Fatalf("GenerateBytes(%s): %v", ns, err)
		}
		if string(raw) != ns {
			t.Fatalf("GenerateBytes(%s) = %q", ns, raw)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("produce ran %d times, want 2", n)
	}
}

func TestCacheErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	var calls atomic.Int32
	produce := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}

	if _, err := c.GenerateBytes(ctx, "ns", []byte("k"), produce); err == nil {
		t.Fatal("first call did not return the produce error")
	}
	raw, err := c.GenerateBytes(ctx, "ns", []byte("k"), produce)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(raw) != "ok" {
		t.Fatalf("second call = %q", raw)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	type report struct {
		Name  string
		Total int
	}
	ctx := context.Background()
	c := NewCache()

	var calls atomic.Int32
	fn := func(ctx context.Context, key string) (report, error) {
		calls.Add(1)
		return report{Name: key, Total: 3}, nil
	}

	for i := 0; i < 2; i++ {
		v, err := Generate(ctx, c, "reports", "q1", fn)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if v.Name != "q1" || v.Total != 3 {
			t.Fatalf("Generate = %+v", v)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("generator ran %d times, want 1", n)
	}
}

func TestGenerateResultCachesErrors(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	var calls atomic.Int32
	fn := func(ctx context.Context, key int) (int, error) {
		calls.Add(1)
		return 0, errors.New("permanent")
	}

	for i := 0; i < 3; i++ {
		_, err := GenerateResult(ctx, c, "ns", 1, fn)
		var ce *CachedError
		if !errors.As(err, &ce) {
			t.Fatalf("call %d error = %v, want *CachedError", i, err)
		}
		if ce.Message != "permanent" {
			t.Fatalf("CachedError.Message = %q", ce.Message)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("generator ran %d times, want 1", n)
	}
}

func TestGenerateResultPanicNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	var calls atomic.Int32
	fn := func(ctx context.Context, key int) (int, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return 42, nil
	}

	_, err := GenerateResult(ctx, c, "ns", 1, fn)
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("first call error = %v, want *PanicError", err)
	}

	v, err := GenerateResult(ctx, c, "ns", 1, fn)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if v != 42 {
		t.Fatalf("second call = %d, want 42", v)
	}
}

func TestGenerateWithState(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	fn := func(ctx context.Context, key string, mult int) (int, error) {
		return len(key) * mult, nil
	}

	v, err := GenerateWith(ctx, c, "ns", "abc", 10, fn)
	if err != nil {
		t.Fatalf("GenerateWith: %v", err)
	}
	if v != 30 {
		t.Fatalf("GenerateWith = %d, want 30", v)
	}

	// Same key, different state: the cached entry wins.
	v, err = GenerateWith(ctx, c, "ns", "abc", 100, fn)
	if err != nil {
		t.Fatalf("GenerateWith: %v", err)
	}
	if v != 30 {
		t.Fatalf("GenerateWith with new state = %d, want cached 30", v)
	}
}

func TestEncodeKeyDeterministic(t *testing.T) {
	type key struct {
		A string
		B map[string]int
	}
	k := key{A: "x", B: map[string]int{"p": 1, "q": 2, "r": 3}}

	first, err := EncodeKey(k)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := EncodeKey(key{A: "x", B: map[string]int{"r": 3, "q": 2, "p": 1}})
		if err != nil {
			t.Fatalf("EncodeKey: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding not deterministic: %x vs %x", again, first)
		}
	}
}
