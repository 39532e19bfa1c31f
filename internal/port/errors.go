package port

import "errors"

// Session flow errors.
var (
	// ErrBackendUnconfigured means the backend URL or public key is missing.
	// Terminal for the session flow; collaborators show setup instructions.
	ErrBackendUnconfigured = errors.New("backend not configured")
	ErrSessionProbe        = errors.New("session probe failed")
	ErrNoSession           = errors.New("no session")
	ErrSignOut             = errors.New("sign out failed")
)

// Profile errors.
var (
	ErrProfileFetch       = errors.New("profile fetch failed")
	ErrProfileWrite       = errors.New("profile write failed")
	ErrInvalidDisplayName = errors.New("display name must not be empty")
)

// Record errors. ErrNotFound is the distinguishable "no such row" kind;
// for the users collection it is the ProfileNotFound condition.
var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrUnknownRPC        = errors.New("unknown rpc")
)

// Auth errors.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrUnknownProvider = errors.New("unknown provider")
)

// errorCodes is the wire vocabulary shared by the server's JSON error bodies
// and the client adapter that maps them back to sentinels.
var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", ErrNotFound},
	{"unknown_collection", ErrUnknownCollection},
	{"unknown_rpc", ErrUnknownRPC},
	{"invalid_record", ErrInvalidRecord},
	{"forbidden", ErrForbidden},
	{"token_expired", ErrTokenExpired},
	{"token_invalid", ErrTokenInvalid},
	{"unknown_provider", ErrUnknownProvider},
	{"unauthorized", ErrUnauthorized},
}

// ErrorCode returns the wire code for err, or "internal".
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

// ErrorFromCode maps a wire code back to its sentinel; nil when unknown.
func ErrorFromCode(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
