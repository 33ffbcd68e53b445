// Package pagination extracts cursor listing parameters from URL query
// strings. A page is addressed by the id of the last email of the previous
// page rather than an offset, so concurrent inserts never shift a page.
package pagination

import (
	"net/url"
	"strconv"

	"github.io/infrasutra/mailgate/internal/store"
)

// Params represents cursor listing parameters extracted from a request.
type Params struct {
	Cursor    int64           // emailId of the last item already seen, 0 for the first page
	Size      int             // Number of items per page
	Ascending bool            // Oldest first when set
	Type      store.Direction // Receive or send side of the mailbox
}

const (
	// MaxSize is the maximum number of items allowed per page
	MaxSize = store.MaxListSize
	// DefaultSize is the number of items per page when not specified
	DefaultSize = 20
)

// Option configures the defaults applied before the query is read.
type Option func(*Params)

// WithDefaultSize sets the default page size. Values outside (0, MaxSize]
// are ignored.
func WithDefaultSize(size int) Option {
	return func(p *Params) {
		if size > 0 && size <= MaxSize {
			p.Size = size
		}
	}
}

// GetListParams reads emailId, size, timeSort and type from q. Malformed
// values fall back to the defaults.
func GetListParams(q url.Values, opts ...Option) Params {
	params := Params{Size: DefaultSize, Type: store.DirectionReceive}
	for _, opt := range opts {
		opt(&params)
	}

	if v := q.Get("emailId"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			params.Cursor = id
		}
	}

	if v := q.Get("size"); v != "" {
		if size, err := strconv.Atoi(v); err == nil && size > 0 {
			params.Size = size
		}
	}
	// enforce max size
	if params.Size > MaxSize {
		params.Size = MaxSize
	}

	// timeSort=1 lists oldest first
	if v := q.Get("timeSort"); v == "1" {
		params.Ascending = true
	}

	if v := q.Get("type"); v != "" {
		if t, err := strconv.Atoi(v); err == nil && t == int(store.DirectionSend) {
			params.Type = store.DirectionSend
		}
	}

	return params
}

// HasMore reports whether a page that came back full may have a successor.
func HasMore(got, size int) bool {
	return size > 0 && got >= size
}
