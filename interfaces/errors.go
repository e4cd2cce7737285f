package interfaces

import "errors"

// Custody errors. Components return these, optionally wrapped, and callers
// match them with errors.Is.
var (
	ErrAlreadyExists          = errors.New("already exists")
	ErrNotFound               = errors.New("not found")
	ErrInvalidKey             = errors.New("invalid private key")
	ErrAddressMismatch        = errors.New("private key does not match bound address")
	ErrShareMismatch          = errors.New("device share does not reconstruct wallet key")
	ErrServerShareUnavailable = errors.New("server share not available")
	ErrInvalidShareFormat     = errors.New("invalid share format")
	ErrAuthenticationFailed   = errors.New("share authentication failed")
	ErrDeviceNotAuthorized    = errors.New("device is not registered or has been revoked")
)

// Recovery errors.
var (
	ErrLimitExceeded         = errors.New("guardian limit exceeded")
	ErrAlreadyInProgress     = errors.New("recovery already in progress")
	ErrInsufficientGuardians = errors.New("not enough confirmed guardians")
	ErrInvalidGuardian       = errors.New("not a confirmed guardian for this wallet")
	ErrAlreadyApproved       = errors.New("guardian already approved this recovery")
	ErrExpired               = errors.New("recovery session expired")
	ErrInvalidCode           = errors.New("invalid verification code")
	ErrInsufficientApprovals = errors.New("not enough guardian approvals")
	ErrTooManyAttempts       = errors.New("too many verification attempts")
	ErrInvalidTransition     = errors.New("invalid session transition")
	ErrInvalidArgument       = errors.New("invalid argument")
)

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
