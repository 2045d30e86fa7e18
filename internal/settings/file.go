package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// racyWindow covers filesystems with coarse modification times (FAT rounds to
// 2s). A file modified this recently is re-read and compared byte for byte,
// since a same-size edit within one tick leaves size and mtime unchanged.
const racyWindow = 2 * time.Second

// FileProvider reads settings from a TOML file. The file is parsed again only
// when its content changes; the last result, valid or not, is served in
// between. Keys missing from the file keep their default value.
type FileProvider struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	data    []byte
	loaded  bool
	snap    Snapshot
	err     error
}

// NewFileProvider returns a provider for the TOML file at path. The file does
// not need to exist yet.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Path returns the settings file location.
func (p *FileProvider) Path() string { return p.path }

// Load implements Provider.
func (p *FileProvider) Load() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.path)
	if err != nil {
		p.loaded = false
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	unchanged := p.loaded && info.ModTime().Equal(p.modTime) && info.Size() == p.size
	if unchanged && time.Since(info.ModTime()) > racyWindow {
		return p.snap, p.err
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if unchanged && bytes.Equal(data, p.data) {
		return p.snap, p.err
	}
	p.snap, p.err = Parse(data)
	p.data = data
	p.modTime = info.ModTime()
	p.size = info.Size()
	p.loaded = true
	return p.snap, p.err
}

// Parse decodes TOML settings on top of Defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Snapshot, error) {
	snap := Defaults()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return Snapshot{}, fmt.Errorf("%w: line %d column %d: %v", ErrInvalid, row, col, derr)
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Marshal renders a snapshot as TOML, for example to seed a settings file.
func Marshal(s Snapshot) ([]byte, error) {
	return toml.Marshal(s)
}
