package app

import "errors"

// Error taxonomy of the kiosk core. Collaborator failures are converted into one
// of these at the component boundary; none of them stop the session machine.
var (
	ErrTransientHardware   = errors.New("transient hardware error")
	ErrUnknownCard         = errors.New("unknown card")
	ErrInvalidFormat       = errors.New("invalid pin format")
	ErrVerificationService = errors.New("verification service error")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrPartialActivation   = errors.New("partial activation failure")

	ErrWrongState    = errors.New("operation not allowed in current session state")
	ErrUnknownDevice = errors.New("device not available for this session")
	ErrUserNotFound  = errors.New("user not found")
)
