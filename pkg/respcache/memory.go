package respcache

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultEntries = 256

// MemoryConfig configures an in-process cache.
type MemoryConfig struct {
	Entries       int
	TTL           time.Duration
	MaxEntryBytes int64
}

// Memory is an LRU of full responses with an optional TTL.
type Memory struct {
	lru      *expirable.LRU[string, *Entry]
	maxBytes int64
}

// NewMemory builds a Memory cache. Zero Entries falls back to a small default;
// zero TTL keeps entries until evicted.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Entries <= 0 {
		cfg.Entries = defaultEntries
	}
	return &Memory{
		lru:      expirable.NewLRU[string, *Entry](cfg.Entries, nil, cfg.TTL),
		maxBytes: cfg.MaxEntryBytes,
	}
}

func (m *Memory) Lookup(ctx context.Context, key string) (*Entry, bool, error) {
	entry, ok := m.lru.Get(key)
	return entry, ok, nil
}

func (m *Memory) Insert(ctx context.Context, key string, status int, header http.Header, body io.Reader) error {
	data, err := readLimited(body, m.maxBytes)
	if err != nil {
		return err
	}
	m.lru.Add(key, &Entry{Status: status, Header: header.Clone(), Body: data})
	return nil
}

func (m *Memory) Invalidate(ctx context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int { return m.lru.Len() }
