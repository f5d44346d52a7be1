package remote

import "errors"

// Error taxonomy for remote calls. Implementations wrap these sentinels;
// the cache core branches on them and on nothing else.
var (
	// ErrNotFound: the referenced message or media does not exist upstream
	// (404/410-equivalent). Terminal; cached; never auto-retried.
	ErrNotFound = errors.New("remote: not found")

	// ErrAuth: the session is no longer valid. Surfaced upward, never
	// retried locally.
	ErrAuth = errors.New("remote: authentication required")

	// ErrValidation: the server returned a payload the client cannot
	// accept. Logged and skipped, never aborts a batch.
	ErrValidation = errors.New("remote: invalid payload")
)

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation)
}

// IsTransient reports whether err is a retryable network-class failure:
// timeouts, refused connections, 5xx responses. Anything that is not
// terminal is treated as transient, matching the recovery-first posture
// of the sync engine.
func IsTransient(err error) bool {
	return err != nil && !IsTerminal(err)
}
