package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileVersion         = 1
	DefaultDataShards   = 4
	DefaultParityShards = 2
)

// ErrCorrupt is returned when too many shards are damaged to rebuild the state.
var ErrCorrupt = errors.New("persistence: state file is corrupt")

type shardRecord struct {
	Sum  []byte `json:"sha256"`
	Data []byte `json:"data"`
}

type fileDocument struct {
	Version      int           `json:"version"`
	DataShards   int           `json:"data_shards"`
	ParityShards int           `json:"parity_shards"`
	Size         int           `json:"size"`
	Shards       []shardRecord `json:"shards"`
}

// FileOptions configures NewFile. Zero shard counts take the defaults.
type FileOptions struct {
	DataShards   int
	ParityShards int
	Logger       *slog.Logger
}

// File stores the state as Reed-Solomon shards in one JSON file. Each shard
// carries its SHA-256, so shards damaged on disk are detected and rebuilt
// from parity on load.
type File struct {
	path   string
	codec  *codec
	logger *slog.Logger
	mu     sync.Mutex
}

var _ Store = (*File)(nil)

// NewFile returns a store writing to path.
func NewFile(path string, opts FileOptions) (*File, error) {
	if opts.DataShards == 0 {
		opts.DataShards = DefaultDataShards
	}
	if opts.ParityShards == 0 {
		opts.ParityShards = DefaultParityShards
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c, err := newCodec(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, err
	}
	return &File{path: path, codec: c, logger: opts.Logger}, nil
}

func (f *File) Path() string { return f.path }

// Save replaces the file atomically.
func (f *File) Save(ctx context.Context, s *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plain, err := json.Marshal(s)
	if err != nil {
		return err
	}
	shards, err := f.codec.encode(plain)
	if err != nil {
		return err
	}
	doc := fileDocument{
		Version:      fileVersion,
		DataShards:   f.codec.dataShards,
		ParityShards: f.codec.parityShards,
		Size:         len(plain),
		Shards:       make([]shardRecord, len(shards)),
	}
	for i, sh := range shards {
		sum := sha256.Sum256(sh)
		doc.Shards[i] = shardRecord{Sum: sum[:], Data: sh}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".hopsec-state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
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
	return os.Rename(tmp.Name(), f.path)
}

// Load reads the file, rebuilding shards whose checksum does not match.
func (f *File) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	raw, err := os.ReadFile(f.path)
	f.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version != fileVersion || doc.Size <= 0 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	c := f.codec
	if doc.DataShards != c.dataShards || doc.ParityShards != c.parityShards {
		if c, err = newCodec(doc.DataShards, doc.ParityShards); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	if len(doc.Shards) != c.total() {
		return nil, fmt.Errorf("%w: %d shards, want %d", ErrCorrupt, len(doc.Shards), c.total())
	}

	shards := make([][]byte, len(doc.Shards))
	damaged := 0
	for i, rec := range doc.Shards {
		sum := sha256.Sum256(rec.Data)
		if string(sum[:]) != string(rec.Sum) {
			damaged++
			continue
		}
		shards[i] = rec.Data
	}
	if damaged > 0 {
		f.logger.Warn("rebuilding damaged state shards", "path", f.path, "damaged", damaged)
	}
	plain, err := c.decode(shards, doc.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var s State
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &s, nil
}
