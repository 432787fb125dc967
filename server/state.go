package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/goforj/compcache"
	"github.com/goforj/compcache/protocol"
)

// entryStatus is the durable half of the state machine. All three states hit
// the manifest; Loading rows are purged at startup and Evicting rows finish
// their removal there.
type entryStatus int

const (
	statusLoading entryStatus = iota
	statusReady
	statusEvicting
)

type entryKey struct {
	namespace string
	key       string
}

// entry is the in-memory state for one (namespace, key). Exactly one of the
// status-specific field groups is meaningful at a time.
type entry struct {
	status entryStatus

	// Loading.
	assignmentID  uint64
	lastHeartbeat time.Time

	// Ready / Evicting. refs counts outstanding local reader handles.
	refs int
}

var errBadRequest = errors.New("bad request")

// state is the server's entry table plus the durable manifest behind it.
// Every transition writes the manifest first; if the write fails the
// in-memory state is left untouched and the caller sees the error.
type state struct {
	cfg compcache.Config
	log *zap.Logger

	manifest *manifestStore

	// readCache holds Ready payloads served to remote clients recently, so
	// hot entries skip the value-file read.
	readCache *gocache.Cache

	mu             sync.Mutex
	entries        map[entryKey]*entry
	assignments    map[uint64]entryKey
	readers        map[uint64]entryKey
	nextAssignment uint64
	nextReader     uint64

	// now is a test hook for lease-expiry timing.
	now func() time.Time
}

func newState(cfg compcache.Config, log *zap.Logger) (*state, error) {
	manifest, err := openManifest(filepath.Join(cfg.RootDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("server: open manifest: %w", err)
	}
	rows, err := manifest.load()
	if err != nil {
		manifest.Close()
		return nil, fmt.Errorf("server: load manifest: %w", err)
	}

	s := &state{
		cfg:         cfg,
		log:         log,
		manifest:    manifest,
		readCache:   gocache.New(cfg.ReadCacheTTL, 2*cfg.ReadCacheTTL),
		entries:     make(map[entryKey]*entry),
		assignments: make(map[uint64]entryKey),
		readers:     make(map[uint64]entryKey),
		now:         time.Now,
	}
	for _, r := range rows {
		k := entryKey{namespace: r.namespace, key: r.key}
		if r.status == statusEvicting {
			// Reader handles did not survive the restart, so an interrupted
			// eviction can finish now.
			if err := manifest.delete(k.namespace, k.key); err != nil {
				manifest.Close()
				return nil, err
			}
			if err := os.Remove(valuePath(cfg.RootDir, k.namespace, k.key)); err != nil && !os.IsNotExist(err) {
				log.Warn("remove value file", zap.Error(err))
			}
			continue
		}
		s.entries[k] = &entry{status: statusReady}
	}
	log.Info("manifest loaded", zap.Int("entries", len(s.entries)))
	return s, nil
}

func (s *state) close() error {
	return s.manifest.Close()
}

// validateEntryKey rejects names that would escape the values directory.
// Namespaces are caller-chosen strings; keys are hex content digests.
func validateEntryKey(namespace, key string) error {
	if namespace == "" || strings.ContainsAny(namespace, "/\\") || namespace == "." || namespace == ".." {
		return fmt.Errorf("%w: invalid namespace %q", errBadRequest, namespace)
	}
	if key == "" || strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("%w: invalid key %q", errBadRequest, key)
	}
	for _, c := range key {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: key %q is not a hex digest", errBadRequest, key)
		}
	}
	return nil
}

// get runs the entry state machine for one lookup. local selects the
// filesystem variant (paths and reader handles) over the inline variant.
func (s *state) get(req protocol.GetRequest, local bool) (protocol.GetResponse, error) {
	if err := validateEntryKey(req.Namespace, req.Key); err != nil {
		return protocol.GetResponse{}, err
	}
	k := entryKey{namespace: req.Namespace, key: req.Key}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		if !req.Assign {
			return protocol.GetResponse{Status: protocol.StatusUnassigned}, nil
		}
		return s.assign(k)
	}

	switch e.status {
	case statusLoading:
		if s.now().Sub(e.lastHeartbeat) > s.cfg.HeartbeatTimeout {
			// The lease holder went quiet. Revoke and either reassign or
			// report the entry vacant.
			s.log.Warn("lease expired",
				zap.String("namespace", k.namespace),
				zap.String("key", k.key),
				zap.Uint64("assignment", e.assignmentID))
			delete(s.assignments, e.assignmentID)
			if !req.Assign {
				if err := s.manifest.delete(k.namespace, k.key); err != nil {
					return protocol.GetResponse{}, err
				}
				delete(s.entries, k)
				return protocol.GetResponse{Status: protocol.StatusUnassigned}, nil
			}
			return s.assign(k)
		}
		return protocol.GetResponse{Status: protocol.StatusLoading}, nil

	case statusReady:
		return s.ready(k, e, local)

	case statusEvicting:
		// Draining readers; no new lease is ever issued against a doomed
		// entry. The caller may compute a fresh value, unpersisted.
		return protocol.GetResponse{Status: protocol.StatusUnassigned}, nil

	default:
		return protocol.GetResponse{}, fmt.Errorf("server: corrupt entry status %d", e.status)
	}
}

// assign installs a Loading entry and hands out a fresh lease. Caller holds
// the lock. The manifest row is written before the entry becomes visible.
func (s *state) assign(k entryKey) (protocol.GetResponse, error) {
	if err := os.MkdirAll(filepath.Join(s.cfg.RootDir, valuesDirName, k.namespace), 0o755); err != nil {
		return protocol.GetResponse{}, err
	}
	if err := s.manifest.put(k.namespace, k.key, statusLoading); err != nil {
		return protocol.GetResponse{}, err
	}
	s.nextAssignment++
	id := s.nextAssignment
	s.entries[k] = &entry{
		status:        statusLoading,
		assignmentID:  id,
		lastHeartbeat: s.now(),
	}
	s.assignments[id] = k
	s.log.Debug("lease assigned",
		zap.String("namespace", k.namespace),
		zap.String("key", k.key),
		zap.Uint64("assignment", id))
	return protocol.GetResponse{
		Status:              protocol.StatusAssign,
		AssignmentID:        id,
		HeartbeatIntervalMS: s.cfg.HeartbeatInterval.Milliseconds(),
		Path:                valuePath(s.cfg.RootDir, k.namespace, k.key),
	}, nil
}

// ready serves a Ready entry. Local callers get a path plus a reader handle
// they must drop; remote callers get the payload inline, via the read cache
// when it is warm.
func (s *state) ready(k entryKey, e *entry, local bool) (protocol.GetResponse, error) {
	path := valuePath(s.cfg.RootDir, k.namespace, k.key)
	if local {
		s.nextReader++
		h := s.nextReader
		s.readers[h] = k
		e.refs++
		return protocol.GetResponse{
			Status:   protocol.StatusReady,
			Path:     path,
			HandleID: h,
		}, nil
	}

	cacheKey := k.namespace + "/" + k.key
	if v, ok := s.readCache.Get(cacheKey); ok {
		return protocol.GetResponse{Status: protocol.StatusReady, Value: v.([]byte)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.GetResponse{}, fmt.Errorf("server: read value file: %w", err)
	}
	s.readCache.Set(cacheKey, data, gocache.DefaultExpiration)
	return protocol.GetResponse{Status: protocol.StatusReady, Value: data}, nil
}

// heartbeat refreshes a lease. An unknown id means the lease was revoked.
func (s *state) heartbeat(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.assignments[id]
	if !ok {
		return compcache.ErrInvalidAssignment
	}
	e := s.entries[k]
	if e == nil || e.status != statusLoading || e.assignmentID != id {
		delete(s.assignments, id)
		return compcache.ErrInvalidAssignment
	}
	e.lastHeartbeat = s.now()
	return nil
}

// set stores an uploaded value and completes the lease (remote variant).
func (s *state) set(id uint64, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, e, err := s.leaseEntry(id)
	if err != nil {
		return err
	}
	if err := writeValueFile(valuePath(s.cfg.RootDir, k.namespace, k.key), value); err != nil {
		return err
	}
	if err := s.completeLocked(id, k, e); err != nil {
		return err
	}
	s.readCache.Set(k.namespace+"/"+k.key, value, gocache.DefaultExpiration)
	return nil
}

// done completes a lease whose holder wrote the value file itself (local
// variant). The file must exist before the entry turns Ready.
func (s *state) done(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, e, err := s.leaseEntry(id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(valuePath(s.cfg.RootDir, k.namespace, k.key)); err != nil {
		return fmt.Errorf("%w: value file missing: %v", errBadRequest, err)
	}
	return s.completeLocked(id, k, e)
}

// leaseEntry resolves a live lease id to its entry. Caller holds the lock.
func (s *state) leaseEntry(id uint64) (entryKey, *entry, error) {
	k, ok := s.assignments[id]
	if !ok {
		return entryKey{}, nil, compcache.ErrInvalidAssignment
	}
	e := s.entries[k]
	if e == nil || e.status != statusLoading || e.assignmentID != id {
		delete(s.assignments, id)
		return entryKey{}, nil, compcache.ErrInvalidAssignment
	}
	return k, e, nil
}

// completeLocked flips a Loading entry to Ready. Manifest first.
func (s *state) completeLocked(id uint64, k entryKey, e *entry) error {
	if err := s.manifest.put(k.namespace, k.key, statusReady); err != nil {
		return err
	}
	delete(s.assignments, id)
	e.status = statusReady
	e.assignmentID = 0
	e.refs = 0
	s.log.Debug("entry ready",
		zap.String("namespace", k.namespace),
		zap.String("key", k.key))
	return nil
}

// drop releases a reader handle. An Evicting entry whose last reader drops
// is removed along with its value file.
func (s *state) drop(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.readers[id]
	if !ok {
		return compcache.ErrInvalidHandle
	}
	delete(s.readers, id)
	e := s.entries[k]
	if e == nil {
		return nil
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.status == statusEvicting && e.refs == 0 {
		return s.removeLocked(k)
	}
	return nil
}

// evict marks an entry for removal. With no outstanding readers it is
// removed immediately; otherwise it drains first.
func (s *state) evict(namespace, key string) error {
	if err := validateEntryKey(namespace, key); err != nil {
		return err
	}
	k := entryKey{namespace: namespace, key: key}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok || e.status != statusReady {
		return nil
	}
	if e.refs > 0 {
		if err := s.manifest.put(k.namespace, k.key, statusEvicting); err != nil {
			return err
		}
		e.status = statusEvicting
		return nil
	}
	return s.removeLocked(k)
}

// removeLocked deletes the manifest row, the in-memory entry, and the value
// file. Caller holds the lock.
func (s *state) removeLocked(k entryKey) error {
	if err := s.manifest.delete(k.namespace, k.key); err != nil {
		return err
	}
	delete(s.entries, k)
	s.readCache.Delete(k.namespace + "/" + k.key)
	if err := os.Remove(valuePath(s.cfg.RootDir, k.namespace, k.key)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove value file", zap.Error(err))
	}
	return nil
}
