package server

import (
	"os"
	"path/filepath"

	"github.com/goforj/compcache"
)

// valuesDirName holds the entry payload files under the cache root, laid
// out as values/<namespace>/<hex digest>.
const valuesDirName = "values"

func valuePath(root, namespace, key string) string {
	return filepath.Join(root, valuesDirName, namespace, key)
}

// writeValueFile persists an entry payload with the tmp-then-rename
// discipline so a concurrent reader never sees a partial file.
func writeValueFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return compcache.WriteFileAtomic(path, data)
}
