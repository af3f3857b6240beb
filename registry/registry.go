// Package registry implements the durable, on-disk directory of known
// peers that the server consults on startup to reconnect, and updates on
// every successful inbound handshake.
//
// Entries are one JSON file per peer, named by the hash of their
// (id, host, port) triple.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// readmeFile is ignored when scanning the registry directory.
const readmeFile = "README.md"

// Entry is one durable peer-registry record.
type Entry struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// FileName returns the deterministic file name for e: the hex sha256 of
// id, host and the decimal port concatenated, plus ".json".
func FileName(e Entry) string {
	sum := sha256.Sum256([]byte(e.ID + e.Host + strconv.Itoa(int(e.Port))))
	return hex.EncodeToString(sum[:]) + ".json"
}

// Registry is a directory-backed store of Entry records.
type Registry struct {
	dir string
}

// New returns a Registry rooted at dir. The directory is created lazily on
// first Save; LoadAll tolerates a missing directory.
func New(dir string) *Registry {
	return &Registry{dir: dir}
}

// LoadAll scans the registry directory and returns every entry, keyed by
// peer id. A missing directory yields an empty map rather than an error,
// the expected state on first run.
func (r *Registry) LoadAll() (map[string]Entry, error) {
	out := make(map[string]Entry)
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, errors.Wrap(err, "registry: read directory")
	}
	for _, de := range entries {
		if de.IsDir() || de.Name() == readmeFile {
			continue
		}
		path := filepath.Join(r.dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "registry: read %s", path)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, errors.Wrapf(err, "registry: parse %s", path)
		}
		out[e.ID] = e
	}
	return out, nil
}

// Save persists e under its hashed file name, 4-space indented, as the
// source does. Saving the same (id, host, port) twice overwrites the same
// file and is therefore idempotent.
func (r *Registry) Save(e Entry) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrap(err, "registry: create directory")
	}
	data, err := json.MarshalIndent(e, "", "    ")
	if err != nil {
		return errors.Wrap(err, "registry: marshal entry")
	}
	path := filepath.Join(r.dir, FileName(e))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "registry: write %s", path)
	}
	return nil
}

// Delete removes the file whose name is the hash of e. Deleting an entry
// that was never saved is not an error.
func (r *Registry) Delete(e Entry) error {
	path := filepath.Join(r.dir, FileName(e))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "registry: delete %s", path)
	}
	return nil
}
