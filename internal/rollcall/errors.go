package rollcall

import "errors"

// Error kinds the engine rejects with. Handlers map these to HTTP codes.
var (
	ErrStudentNotFound  = errors.New("student not found")
	ErrStaffNotFound    = errors.New("staff not found")
	ErrAlreadySafe      = errors.New("student already marked safe")
	ErrSessionActive    = errors.New("an emergency session is already active")
	ErrNoActiveSession  = errors.New("no active emergency session")
	ErrStoreUnavailable = errors.New("store unavailable")
)
