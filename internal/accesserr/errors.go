// Package accesserr defines the error kinds returned by the request
// lifecycle and grant state machines.
package accesserr

import "errors"

var (
	// ErrInvalidState means a precondition did not hold, e.g. no active partnership.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyGranted means the requester already holds an active grant.
	ErrAlreadyGranted = errors.New("access already granted")
	// ErrAlreadyResolved means the request is no longer pending.
	ErrAlreadyResolved = errors.New("this request is no longer pending")
	// ErrConflict means a second active grant was about to be created.
	ErrConflict = errors.New("active grant conflict")
	// ErrNotFound means the request, grant or partnership does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller is not the principal allowed to act.
	ErrForbidden = errors.New("forbidden")
	// ErrTransportFailure means a notice could not be delivered.
	ErrTransportFailure = errors.New("notification transport failure")
	// ErrIntegrity means an approval could not be rolled back after its
	// grant failed to activate.
	ErrIntegrity = errors.New("integrity violation")
)

// Message returns the user-facing text for err.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyResolved):
		return ErrAlreadyResolved.Error()
	case errors.Is(err, ErrAlreadyGranted):
		return "you already have temporary access"
	case errors.Is(err, ErrInvalidState):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrForbidden):
		return "you are not allowed to do that"
	default:
		return "an error occurred, please try again"
	}
}
