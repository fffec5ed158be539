package docs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"
)

// MemoryRegistry implements Registry, Opener and TraceProvider in process
// memory. It stands in for the real registry/storage/ledger trio during
// development and in tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	records  map[string]Document
	contents map[string][]byte
	traces   map[string][]TraceEntry
}

var (
	_ Registry      = (*MemoryRegistry)(nil)
	_ Opener        = (*MemoryRegistry)(nil)
	_ TraceProvider = (*MemoryRegistry)(nil)
)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records:  make(map[string]Document),
		contents: make(map[string][]byte),
		traces:   make(map[string][]TraceEntry),
	}
}

// Add registers a document with its content bytes.
func (m *MemoryRegistry) Add(doc Document, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[doc.ID] = doc
	m.contents[doc.ID] = append([]byte(nil), content...)
	m.traces[doc.ID] = append(m.traces[doc.ID], TraceEntry{
		Seq:   len(m.traces[doc.ID]) + 1,
		Event: "registered",
		Actor: doc.OwnerID,
		At:    time.Now().UTC(),
	})
}

func (m *MemoryRegistry) Find(ctx context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.records[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryRegistry) ListByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, doc := range m.records {
		if doc.OwnerID == ownerID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) Open(ctx context.Context, doc Document) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.contents[doc.ID]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (m *MemoryRegistry) Trace(ctx context.Context, doc Document) (Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.contents[doc.ID]
	if !ok {
		return Trace{}, ErrNotFound
	}
	sum := sha256.Sum256(content)
	return Trace{
		DocumentID: doc.ID,
		BlockHash:  hex.EncodeToString(sum[:]),
		TxID:       "mem-" + doc.ID,
		RecordedAt: doc.IssuedAt,
		Entries:    append([]TraceEntry(nil), m.traces[doc.ID]...),
	}, nil
}
