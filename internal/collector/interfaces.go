package collector

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation. URL is the
// final URL after redirects were followed.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// TimelinePage is one parsed page of a user's timeline.
type TimelinePage struct {
	// KeyPoint is the timestamp of the oldest entry shown on the page.
	KeyPoint time.Time
	Names    NameSet
}

// PageParser turns user pages into domain records.
type PageParser interface {
	ParseProfile(html []byte) (ProfileRecord, error)
	// ParseTimeline returns nil when the page has no timeline section.
	ParseTimeline(html []byte) (*TimelinePage, error)
}

// CatalogParser turns the on-air dataset into a catalog.
type CatalogParser interface {
	ParseCatalog(payload []byte) (Catalog, error)
}

// UserStore persists user records.
type UserStore interface {
	// FindByUID returns ErrNotFound when no record carries uid.
	FindByUID(ctx context.Context, uid UID) (User, error)
	// UpsertProfile updates the record matching either identifier of rec, or
	// inserts a new one.
	UpsertProfile(ctx context.Context, rec ProfileRecord) (User, error)
	// MergeNameHistory folds update into the record with the given id.
	MergeNameHistory(ctx context.Context, id string, update NamesUpdate) (User, error)
}

// CatalogStore persists the on-air catalog.
type CatalogStore interface {
	FindBySubjects(ctx context.Context, ids []SubjectID) (Catalog, error)
	// Flush upserts every item and writes the checkpoint in one transaction.
	Flush(ctx context.Context, checkpoint Checkpoint, items Catalog) error
}

// KVStore is a small JSON key-value table.
type KVStore interface {
	// GetKV returns ErrNotFound for a missing key.
	GetKV(ctx context.Context, key string) ([]byte, error)
	SetKV(ctx context.Context, key string, value []byte) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Spawner runs fire-and-forget work off the request path.
type Spawner interface {
	Go(name string, task func(ctx context.Context))
}

// Hasher computes payload digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
