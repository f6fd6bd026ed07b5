// Package archive keeps a record of every research export handed out, so
// a dataset can be re-downloaded and its checksum audited later.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/loanlens/internal/pagination"
)

var ErrNotFound = errors.New("export not found")

// Record is one archived export.
type Record struct {
	ID         string    `json:"id"`
	SessionRef string    `json:"sessionRef"`
	Format     string    `json:"format"`
	Compressed bool      `json:"compressed"`
	SizeBytes  int       `json:"sizeBytes"`
	Checksum   string    `json:"checksum"`
	Data       []byte    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DefaultListLimit applies when a list call passes no positive limit.
const DefaultListLimit = 100

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor starts the listing after the given position.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) {
		o.cursor = c
	}
}

// Store persists archived exports. Lists are ordered newest first by
// (CreatedAt, ID) and omit payloads.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListBySession(ctx context.Context, sessionRef string, limit int, opts ...ListOption) ([]*Record, error)
	Ping(ctx context.Context) error
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}
