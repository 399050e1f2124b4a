package familysync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

const stateFormatVersion = 1

// stateDocument is the encoded form used by the file and memory backends.
type stateDocument struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"savedAt"`
	State   *persistedState `json:"state"`
}

func encodeState(state *persistedState) ([]byte, error) {
	return json.MarshalIndent(stateDocument{
		Version: stateFormatVersion,
		SavedAt: time.Now().UTC(),
		State:   state,
	}, "", "  ")
}

func decodeState(data []byte) (*persistedState, error) {
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != stateFormatVersion {
		return nil, fmt.Errorf("unsupported state format version %d", doc.Version)
	}
	return doc.State, nil
}

// JSONFileStateBackend keeps the household state in one JSON document on
// local disk, for the durable-local profile.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.Path, err)
	}
	return state, nil
}

// Save replaces the document atomically; a crash leaves either the old or
// the new state on disk.
func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.Path)
}

// InMemoryStateBackend holds the encoded document so every Load hands the
// store a fresh copy.
type InMemoryStateBackend struct {
	mu  sync.Mutex
	doc []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc == nil {
		return nil, nil
	}
	return decodeState(b.doc)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.doc = data
	b.mu.Unlock()
	return nil
}

// BuildStateBackendFromDSN picks a backend by scheme: file paths (bare or
// file://), memory://, or postgres://. Registered factories win over the
// built-in schemes. An empty DSN means no persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, err := dsnFilePath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// dsnFilePath accepts a bare path or a file:// URL.
func dsnFilePath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return dsn, nil
	}
	path := parsed.Path
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	// file://data/state.json names a relative path, not a host.
	if parsed.Host != "" && parsed.Host != "localhost" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: %s has no path", ErrInvalidInput, dsn)
	}
	return path, nil
}
