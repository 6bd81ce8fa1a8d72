package model

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// AllPerPage signals the store to return all results without pagination.
	AllPerPage = -1

	// MaxListLimit bounds cursor-paginated event listing.
	MaxListLimit = 1000
	// DefaultListLimit applies when a list request leaves limit unset.
	DefaultListLimit = 100
)

// Paging represents an offset paging filter for administrative listings.
type Paging struct {
	Page           int
	PerPage        int
	IncludeDeleted bool
}

// AddToQuery adds the paging filter to query values.
func (p *Paging) AddToQuery(q url.Values) {
	q.Add("page", strconv.Itoa(p.Page))
	q.Add("per_page", strconv.Itoa(p.PerPage))
	if p.IncludeDeleted {
		q.Add("include_deleted", "true")
	}
}

// AllPagesNotDeleted is a paging filter returning all not-deleted elements.
func AllPagesNotDeleted() Paging {
	return Paging{Page: 0, PerPage: AllPerPage, IncludeDeleted: false}
}

// AllPagesWithDeleted is a paging filter returning all elements including
// deleted ones.
func AllPagesWithDeleted() Paging {
	return Paging{Page: 0, PerPage: AllPerPage, IncludeDeleted: true}
}

// EncodeCursor builds an opaque list cursor from the last-seen event ID.
// Ordering is by create_at descending with ID as tie-break; IDs are
// time-ordered, so the ID alone positions the cursor.
func EncodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DecodeCursor unpacks an opaque list cursor.
func DecodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(cursor))
	if err != nil {
		return "", errors.Wrap(err, "malformed cursor")
	}
	id := string(raw)
	if !IsValidID(id, EventIDPrefix) {
		return "", errors.New("cursor does not reference an event")
	}
	return id, nil
}
