// Package remote is the client boundary to the hosted backend: table-style
// CRUD over REST, the auth subsystem, and the auth change-event stream.
package remote

import (
	"context"
	"time"
)

// Row is a single record returned by or sent to a table operation.
type Row map[string]any

// String returns the string value of a column, or "" if absent.
func (r Row) String(col string) string {
	s, _ := r[col].(string)
	return s
}

// Time parses a column holding an RFC3339 timestamp. Zero time if absent
// or malformed.
func (r Row) Time(col string) time.Time {
	t, _ := time.Parse(time.RFC3339, r.String(col))
	return t
}

// Filter is a single column predicate for Select/Update/Delete.
type Filter struct {
	Column string
	Op     string // eq, neq, gt, lt, in
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

// Query describes a Select.
type Query struct {
	Columns    []string // nil means all
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Table is the tabular CRUD surface of the remote data service.
type Table interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, values Row, filters ...Filter) error
	Delete(ctx context.Context, table string, filters ...Filter) error
}

// Session is an issued credential set.
type Session struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Auth is the credential subsystem of the remote service.
type Auth interface {
	// Session returns the currently issued session, or nil when signed out.
	Session(ctx context.Context) (*Session, error)
	// Refresh exchanges the current credentials for a fresh session.
	Refresh(ctx context.Context) (*Session, error)
}

// AuthEventKind enumerates auth change-stream events.
type AuthEventKind string

const (
	AuthSignedIn       AuthEventKind = "SIGNED_IN"
	AuthSignedOut      AuthEventKind = "SIGNED_OUT"
	AuthTokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
)

// AuthEvent is one entry of the auth change stream.
type AuthEvent struct {
	Kind    AuthEventKind `json:"event"`
	Session *Session      `json:"session,omitempty"`
}

// Client bundles everything the resilience layer needs from the backend.
type Client interface {
	Table
	Auth
	// Ping performs a minimal read to verify the service is reachable.
	Ping(ctx context.Context) error
}
