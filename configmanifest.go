package compcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// ConfigManifestName is the discovery file the server writes into the
	// cache root at startup. Clients read it to learn the server addresses
	// and heartbeat settings instead of hardcoding them.
	ConfigManifestName = "compcached.json"

	configLockName = "compcached.lock"
)

// ConfigManifest is the server discovery record. The advisory lock written
// alongside it is held for the server's lifetime, so a manifest left behind
// by a crashed server is detectable by acquiring the lock.
type ConfigManifest struct {
	LocalAddr           string `json:"local_addr,omitempty"`
	RemoteAddr          string `json:"remote_addr,omitempty"`
	NATSURL             string `json:"nats_url,omitempty"`
	NATSSubject         string `json:"nats_subject,omitempty"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int64  `json:"heartbeat_timeout_ms"`
}

// HeartbeatInterval returns the advertised interval as a duration.
func (m ConfigManifest) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns the advertised timeout as a duration.
func (m ConfigManifest) HeartbeatTimeout() time.Duration {
	return time.Duration(m.HeartbeatTimeoutMS) * time.Millisecond
}

// WriteConfigManifest takes the cache root's advisory lock and writes the
// discovery file. The returned lock must be held until the server shuts
// down; Unlock releases the root for the next server.
func WriteConfigManifest(root string, m ConfigManifest) (*flock.Flock, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(root, configLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("compcache: lock cache root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("compcache: cache root %s is already served by another process", root)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := WriteFileAtomic(filepath.Join(root, ConfigManifestName), data); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return lock, nil
}

// LoadConfigManifest reads the discovery file from a cache root.
func LoadConfigManifest(root string) (ConfigManifest, error) {
	var m ConfigManifest
	data, err := os.ReadFile(filepath.Join(root, ConfigManifestName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("compcache: decode config manifest: %w", err)
	}
	return m, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file. Value
// files and the discovery file both go through it: an entry must never be
// observable as Ready with a partially written payload.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".compcache-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
