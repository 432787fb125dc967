package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/goforj/compcache/protocol"
)

// heartbeatRunner keeps a compute lease alive while the generator runs. A
// transport hiccup is tolerated (the next tick retries); an invalid
// assignment response means the lease was revoked and the runner exits with
// revoked set.
type heartbeatRunner struct {
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	revoked  atomic.Bool
}

func startHeartbeat(t transport, log *zap.Logger, assignmentID uint64, interval time.Duration) *heartbeatRunner {
	h := &heartbeatRunner{stopCh: make(chan struct{})}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
			}
			req, err := protocol.NewRequest(protocol.MethodHeartbeat, protocol.HeartbeatRequest{AssignmentID: assignmentID})
			if err != nil {
				log.Error("encode heartbeat", zap.Error(err))
				return
			}
			resp, err := t.call(context.Background(), req)
			if err != nil {
				log.Debug("heartbeat failed", zap.Uint64("assignment", assignmentID), zap.Error(err))
				continue
			}
			if resp.Code == protocol.CodeInvalidAssignment {
				log.Warn("lease revoked", zap.Uint64("assignment", assignmentID))
				h.revoked.Store(true)
				return
			}
		}
	}()
	return h
}

// stop halts the runner and waits for an in-flight heartbeat to finish, so
// revoked is settled when stop returns. Idempotent.
func (h *heartbeatRunner) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}
