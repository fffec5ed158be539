// Package docs is the boundary to the document registry, byte storage and
// provenance ledger. Those systems live outside this service; only the
// contracts this core needs are modeled here.
package docs

import (
	"context"
	"errors"
	"io"
	"time"
)

// ReviewState is the registry's review verdict for a document. Only approved
// documents may appear in an access request.
type ReviewState string

const (
	ReviewPending  ReviewState = "PENDING"
	ReviewApproved ReviewState = "APPROVED"
	ReviewRejected ReviewState = "REJECTED"
)

// Document is the registry record this core resolves links against.
type Document struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Title       string      `json:"title"`
	ContentType string      `json:"content_type"`
	ReviewState ReviewState `json:"review_state"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// Trace is the provenance payload returned by the ledger boundary for one
// document.
type Trace struct {
	DocumentID string       `json:"document_id"`
	BlockHash  string       `json:"block_hash"`
	TxID       string       `json:"tx_id"`
	RecordedAt time.Time    `json:"recorded_at"`
	Entries    []TraceEntry `json:"entries"`
}

// TraceEntry is one provenance event on the ledger.
type TraceEntry struct {
	Seq   int       `json:"seq"`
	Event string    `json:"event"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

var ErrNotFound = errors.New("docs: document not found")

// Registry resolves document records.
type Registry interface {
	Find(ctx context.Context, id string) (Document, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Document, error)
}

// Opener streams document bytes. Byte storage itself is out of scope.
type Opener interface {
	Open(ctx context.Context, doc Document) (io.ReadCloser, error)
}

// TraceProvider fetches the provenance trace for a document.
type TraceProvider interface {
	Trace(ctx context.Context, doc Document) (Trace, error)
}
