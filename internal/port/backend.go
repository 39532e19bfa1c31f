package port

import (
	"context"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// Subscription is a registered listener that can be released.
// Unsubscribe must be safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() { f() }

// AuthEvent names the reason a session change notification fired.
type AuthEvent string

// Session change reasons.
const (
	AuthInitialSession AuthEvent = "INITIAL_SESSION"
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthUserUpdated    AuthEvent = "USER_UPDATED"
)

// SessionListener receives session change notifications. A nil session means
// the session was cleared.
type SessionListener func(event AuthEvent, session *domain.Session)

// SessionProvider is the identity side of the Data Backend Adapter.
type SessionProvider interface {
	// GetSession is a one-shot probe for the current session; nil when signed out.
	GetSession(ctx context.Context) (*domain.Session, error)

	// OnSessionChange registers a listener for login, logout and token refresh.
	OnSessionChange(listener SessionListener) Subscription

	// SignInWithOAuth starts an OAuth flow and returns the URL the user must visit.
	// The provider redirects back to redirectTo once consent is given.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)

	// SignOut ends the session with the backend and clears the adapter's tokens.
	SignOut(ctx context.Context) error
}

// FilterOp is a comparison supported by Select.
type FilterOp string

// Filter operators.
const (
	OpEq        FilterOp = "eq"
	OpNeq       FilterOp = "neq"
	OpIsNull    FilterOp = "is_null"
	OpIsNotNull FilterOp = "not_null"
)

// Filter restricts a Select to matching rows.
type Filter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value,omitempty"`
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// NotNull builds an IS NOT NULL filter.
func NotNull(column string) Filter {
	return Filter{Column: column, Op: OpIsNotNull}
}

// Order sorts a Select.
type Order struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// Asc sorts ascending by column.
func Asc(column string) Order { return Order{Column: column} }

// Desc sorts descending by column.
func Desc(column string) Order { return Order{Column: column, Descending: true} }

// Join requests a related row alongside each result, e.g. the sender's
// display name next to every chat message. The related row is stored under
// Alias as a nested record holding Fields.
type Join struct {
	Alias      string   `json:"alias"`
	Collection string   `json:"collection"`
	LocalKey   string   `json:"local_key"`
	Fields     []string `json:"fields"`
}

// Query describes a server-side filtered, ordered, bounded read.
type Query struct {
	Collection string   `json:"collection"`
	Columns    []string `json:"columns,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
	Order      []Order  `json:"order,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Joins      []Join   `json:"joins,omitempty"`
}

// WithoutJoins returns a copy of q that requests base records only.
func (q Query) WithoutJoins() Query {
	q.Joins = nil
	return q
}

// RecordStore is the CRUD side of the Data Backend Adapter. Every operation
// returns ErrNotFound (wrapped) when the addressed row does not exist.
type RecordStore interface {
	Select(ctx context.Context, q Query) ([]domain.Record, error)
	Get(ctx context.Context, collection, id string) (domain.Record, error)
	Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error)
	Update(ctx context.Context, collection, id string, patch domain.Record) (domain.Record, error)
	// Upsert inserts rec or, when a row with the same id exists, updates the
	// supplied columns. It is a no-op on conflict for columns not supplied.
	Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error)
	Delete(ctx context.Context, collection, id string) error
	// Call runs a named server-side procedure.
	Call(ctx context.Context, name string, args domain.Record) error
}

// EventFilter selects which mutations a change subscription receives.
type EventFilter string

// Event filters.
const (
	EventsAll    EventFilter = "*"
	EventsInsert EventFilter = "INSERT"
	EventsUpdate EventFilter = "UPDATE"
	EventsDelete EventFilter = "DELETE"
)

// Matches reports whether an event of type t passes the filter.
func (f EventFilter) Matches(t domain.EventType) bool {
	return f == "" || f == EventsAll || string(f) == string(t)
}

// ChangeFeed is the push side of the Data Backend Adapter.
type ChangeFeed interface {
	SubscribeToChanges(ctx context.Context, collection string, events EventFilter, callback func(domain.ChangeEvent)) (Subscription, error)
}

// Backend is the full Data Backend Adapter contract.
type Backend interface {
	SessionProvider
	RecordStore
	ChangeFeed
}

// ClientStorage is the client's persisted local state. Clear must remove all
// of it, not just the adapter's session keys.
type ClientStorage interface {
	Clear() error
}
