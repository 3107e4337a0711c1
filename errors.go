package dashcal

import "errors"

// Failure taxonomy for the sync engine. Authorization and refresh
// failures are terminal for the widget and force a disconnect so the
// user re-authorizes cleanly; per-source fetch failures are absorbed
// by the aggregation pipeline and never surface here.
var (
	// ErrCSRFMismatch means the callback's state parameter did not
	// match the persisted value. The code is never exchanged.
	ErrCSRFMismatch = errors.New("dashcal: oauth state mismatch")

	// ErrTokenExchange means the provider rejected the code exchange.
	ErrTokenExchange = errors.New("dashcal: token exchange failed")

	// ErrRefreshFailed means the provider rejected our refresh token.
	// The widget has already been disconnected when this is returned.
	ErrRefreshFailed = errors.New("dashcal: token refresh failed")

	// ErrNoRefreshToken means there is no refresh token to use.
	ErrNoRefreshToken = errors.New("dashcal: no refresh token stored")

	// ErrNotConnected means no token set exists for the widget. It is
	// a state, not a user-facing error: callers render "not connected"
	// and skip network work.
	ErrNotConnected = errors.New("dashcal: widget is not connected")
)
