package crisis

import "errors"

// Coordinator error types
var (
	ErrCoordinatorAlreadyRunning = errors.New("crisis coordinator is already running")
	ErrCoordinatorNotRunning     = errors.New("crisis coordinator is not running")
	ErrCrisisNotActive           = errors.New("crisis mode is not active for scope")
	ErrScopeMismatch             = errors.New("scope does not match crisis policy")
	ErrInvalidPolicy             = errors.New("crisis policy must be 'global' or 'group'")
)
