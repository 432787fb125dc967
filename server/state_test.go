package server

import (
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

func testState(t *testing.T, root string) (*state, *time.Time) {
	t.Helper()
	cfg := compcache.Config{
		RootDir:           root,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	}.WithDefaults()

	st, err := newState(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newState: %v", err)
	}
	t.Cleanup(func() { st.close() })

	clock := time.Now()
	st.now = func() time.Time { return clock }
	return st, &clock
}

func hexKey(s string) string {
	return compcache.ContentHash([]byte(s)).Encoded()
}

func TestStateAssignThenDone(t *testing.T) {
	root := t.TempDir()
	st, _ := testState(t, root)
	key := hexKey("k1")

	resp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Status != protocol.StatusAssign {
		t.Fatalf("Status = %v, want Assign", resp.Status)
	}
	if resp.AssignmentID == 0 || resp.Path == "" {
		t.Fatalf("assign response incomplete: %+v", resp)
	}

	// Done before the value file exists is rejected.
	if err := st.done(resp.AssignmentID); err == nil {
		t.Fatal("done accepted a lease with no value file")
	}
	if err := compcache.WriteFileAtomic(resp.Path, []byte("v1")); err != nil {
		t.Fatalf("write value: %v", err)
	}
	if err := st.done(resp.AssignmentID); err != nil {
		t.Fatalf("done: %v", err)
	}

	ready, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key}, true)
	if err != nil {
		t.Fatalf("get after done: %v", err)
	}
	if ready.Status != protocol.StatusReady || ready.Path != resp.Path || ready.HandleID == 0 {
		t.Fatalf("ready = %+v", ready)
	}
	if err := st.drop(ready.HandleID); err != nil {
		t.Fatalf("drop: %v", err)
	}
}

func TestStateLoadingWhileLeased(t *testing.T) {
	st, _ := testState(t, t.TempDir())
	key := hexKey("k1")

	if _, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false); err != nil {
		t.Fatalf("get: %v", err)
	}
	resp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.Status != protocol.StatusLoading {
		t.Fatalf("Status = %v, want Loading", resp.Status)
	}
}

func TestStateLeaseExpiryReassigns(t *testing.T) {
	st, clock := testState(t, t.TempDir())
	key := hexKey("k1")

	first, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	*clock = clock.Add(st.cfg.HeartbeatTimeout + time.Millisecond)

	second, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false)
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if second.Status != protocol.StatusAssign {
		t.Fatalf("Status = %v, want Assign", second.Status)
	}
	if second.AssignmentID == first.AssignmentID {
		t.Fatal("expired lease was not reassigned with a fresh id")
	}

	// The stale holder is rejected everywhere.
	if err := st.heartbeat(first.AssignmentID); !errors.Is(err, compcache.ErrInvalidAssignment) {
		t.Fatalf("heartbeat(stale) = %v, want ErrInvalidAssignment", err)
	}
	if err := st.set(first.AssignmentID, []byte("late")); !errors.Is(err, compcache.ErrInvalidAssignment) {
		t.Fatalf("set(stale) = %v, want ErrInvalidAssignment", err)
	}

	// The new holder still works.
	if err := st.heartbeat(second.AssignmentID); err != nil {
		t.Fatalf("heartbeat(fresh): %v", err)
	}
	if err := st.set(second.AssignmentID, []byte("v2")); err != nil {
		t.Fatalf("set(fresh): %v", err)
	}
}

func TestStateHeartbeatExtendsLease(t *testing.T) {
	st, clock := testState(t, t.TempDir())
	key := hexKey("k1")

	resp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Keep heartbeating across several timeout windows.
	for i := 0; i < 5; i++ {
		*clock = clock.Add(st.cfg.HeartbeatTimeout - time.Millisecond)
		if err := st.heartbeat(resp.AssignmentID); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}

	loading, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loading.Status != protocol.StatusLoading {
		t.Fatalf("Status = %v, want Loading while heartbeats flow", loading.Status)
	}
}

func TestStateSetServesRemote(t *testing.T) {
	st, _ := testState(t, t.TempDir())
	key := hexKey("k1")

	resp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := st.set(resp.AssignmentID, []byte("payload")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Served twice: once through the read cache, once around it.
	for i := 0; i < 2; i++ {
		ready, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key}, false)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if ready.Status != protocol.StatusReady || string(ready.Value) != "payload" {
			t.Fatalf("ready %d = %+v", i, ready)
		}
		if i == 0 {
			st.readCache.Flush()
		}
	}
}

func TestStateRestartRecovery(t *testing.T) {
	root := t.TempDir()
	readyKey := hexKey("done")
	loadingKey := hexKey("in-flight")

	st, _ := testState(t, root)
	resp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: readyKey, Assign: true}, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := st.set(resp.AssignmentID, []byte("survives")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := st.get(protocol.GetRequest{Namespace: "ns", Key: loadingKey, Assign: true}, false); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := st.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, _ := testState(t, root)

	ready, err := st2.get(protocol.GetRequest{Namespace: "ns", Key: readyKey}, false)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if ready.Status != protocol.StatusReady || string(ready.Value) != "survives" {
		t.Fatalf("ready after restart = %+v", ready)
	}

	// The interrupted lease was purged at startup; the entry is vacant.
	vacant, err := st2.get(protocol.GetRequest{Namespace: "ns", Key: loadingKey}, false)
	if err != nil {
		t.Fatalf("get purged: %v", err)
	}
	if vacant.Status != protocol.StatusUnassigned {
		t.Fatalf("purged entry Status = %v, want Unassigned", vacant.Status)
	}
}

func TestStateEvictDrainsReaders(t *testing.T) {
	st, _ := testState(t, t.TempDir())
	key := hexKey("k1")

	resp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := compcache.WriteFileAtomic(resp.Path, []byte("v")); err != nil {
		t.Fatalf("write value: %v", err)
	}
	if err := st.done(resp.AssignmentID); err != nil {
		t.Fatalf("done: %v", err)
	}

	reader, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key}, true)
	if err != nil {
		t.Fatalf("get reader: %v", err)
	}
	if err := st.evict("ns", key); err != nil {
		t.Fatalf("evict: %v", err)
	}

	// The value file stays while a reader holds a handle.
	if _, err := os.Stat(resp.Path); err != nil {
		t.Fatalf("value file removed under an open handle: %v", err)
	}

	// No lease is issued against a draining entry.
	assignResp, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key, Assign: true}, true)
	if err != nil {
		t.Fatalf("get during drain: %v", err)
	}
	if assignResp.Status != protocol.StatusUnassigned {
		t.Fatalf("Status during drain = %v, want Unassigned", assignResp.Status)
	}

	if err := st.drop(reader.HandleID); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := os.Stat(resp.Path); !os.IsNotExist(err) {
		t.Fatalf("value file still present after drain: %v", err)
	}
	vacant, err := st.get(protocol.GetRequest{Namespace: "ns", Key: key}, true)
	if err != nil {
		t.Fatalf("get after evict: %v", err)
	}
	if vacant.Status != protocol.StatusUnassigned {
		t.Fatalf("Status = %v, want Unassigned", vacant.Status)
	}
}

func TestStateDropUnknownHandle(t *testing.T) {
	st, _ := testState(t, t.TempDir())
	if err := st.drop(99); !errors.Is(err, compcache.ErrInvalidHandle) {
		t.Fatalf("drop(99) = %v, want ErrInvalidHandle", err)
	}
}

func TestValidateEntryKey(t *testing.T) {
	good := hexKey("anything")
	if err := validateEntryKey("ns", good); err != nil {
		t.Fatalf("validateEntryKey rejected %q: %v", good, err)
	}

	bad := []struct{ ns, key string }{
		{"", good},
		{"..", good},
		{"a/b", good},
		{"ns", ""},
		{"ns", "../../etc/passwd"},
		{"ns", "NOTHEX"},
	}
	for _, tt := range bad {
		if err := validateEntryKey(tt.ns, tt.key); err == nil {
			t.Fatalf("validateEntryKey(%q, %q) accepted", tt.ns, tt.key)
		}
	}
}
