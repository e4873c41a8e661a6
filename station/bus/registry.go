package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileKind enumerates the categories of file the upload-side directory
// policy tracks.
type FileKind string

const (
	KindContinuous FileKind = "continuous"
	KindMSEED      FileKind = "mseed"
	KindEvent      FileKind = "event"
	KindTmp        FileKind = "tmp"
	KindLog        FileKind = "log"
)

// registryFile is the on-disk JSON shape: two top-level maps, each
// keyed by kind then by filename -> ISO timestamp.
type registryFile struct {
	Exitosos map[FileKind]map[string]string `json:"archivos_exitosos"`
	Fallidos map[FileKind]map[string]string `json:"archivos_fallidos"`
}

// Registry is the authoritative record of which files the cloud-upload
// process has already handled, so a retention/space manager never
// re-uploads or prematurely deletes a file. Persistence is a single
// JSON file, written atomically (write-temp, then rename) and guarded
// by one mutex.
type Registry struct {
	mu   sync.Mutex
	path string
	data registryFile
}

// protectedKinds are never eligible for PruneMissing regardless of
// upload state (continuous waveform data and event picks are retained
// locally per station policy even once uploaded).
var protectedKinds = map[FileKind]bool{
	KindContinuous: true,
	KindEvent:      true,
}

// OpenRegistry loads path if it exists, or starts a fresh empty
// registry if it does not (a missing registry file is not an error:
// it is the normal state on first run).
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		data: registryFile{
			Exitosos: make(map[FileKind]map[string]string),
			Fallidos: make(map[FileKind]map[string]string),
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("bus: read registry: %w", err)
	}
	if len(raw) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r.data); err != nil {
		return nil, fmt.Errorf("bus: parse registry: %w", err)
	}
	if r.data.Exitosos == nil {
		r.data.Exitosos = make(map[FileKind]map[string]string)
	}
	if r.data.Fallidos == nil {
		r.data.Fallidos = make(map[FileKind]map[string]string)
	}
	return r, nil
}

// MarkSuccess records name (of the given kind) as successfully
// uploaded at the current time, clearing any prior failure record.
func (r *Registry) MarkSuccess(name string, kind FileKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set(r.data.Exitosos, kind, name)
	r.unset(r.data.Fallidos, kind, name)
	return r.flush()
}

// MarkFailure records name (of the given kind) as a failed upload
// attempt at the current time.
func (r *Registry) MarkFailure(name string, kind FileKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set(r.data.Fallidos, kind, name)
	return r.flush()
}

// IsUploaded reports whether name (of the given kind) has a successful
// upload record.
func (r *Registry) IsUploaded(name string, kind FileKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.get(r.data.Exitosos, kind, name)
	return ok
}

// IsProtected reports whether kind is exempt from pruning regardless
// of upload state.
func (r *Registry) IsProtected(kind FileKind) bool {
	return protectedKinds[kind]
}

// PruneMissing compares dirMap (kind -> set of filenames currently
// present on disk) against the registry and removes entries for files
// that no longer exist and are not protected, returning the removed
// count. It does not touch the filesystem itself; deleting files is
// the caller's (the out-of-scope retention manager's) responsibility.
func (r *Registry) PruneMissing(dirMap map[FileKind]map[string]bool) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, kindMaps := range []map[FileKind]map[string]string{r.data.Exitosos, r.data.Fallidos} {
		for kind, names := range kindMaps {
			if r.IsProtected(kind) {
				continue
			}
			present := dirMap[kind]
			for name := range names {
				if !present[name] {
					delete(names, name)
					removed++
				}
			}
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, r.flush()
}

func (r *Registry) set(m map[FileKind]map[string]string, kind FileKind, name string) {
	bucket, ok := m[kind]
	if !ok {
		bucket = make(map[string]string)
		m[kind] = bucket
	}
	bucket[name] = time.Now().UTC().Format(time.RFC3339)
}

func (r *Registry) unset(m map[FileKind]map[string]string, kind FileKind, name string) {
	if bucket, ok := m[kind]; ok {
		delete(bucket, name)
	}
}

func (r *Registry) get(m map[FileKind]map[string]string, kind FileKind, name string) (string, bool) {
	bucket, ok := m[kind]
	if !ok {
		return "", false
	}
	ts, ok := bucket[name]
	return ts, ok
}

// flush writes the registry to a temp file in the same directory and
// renames it over path, so a crash mid-write never leaves a truncated
// or partially-written registry behind.
func (r *Registry) flush() error {
	body, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("bus: marshal registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("bus: create temp registry: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("bus: write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bus: close temp registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bus: rename temp registry: %w", err)
	}
	return nil
}
