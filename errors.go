package flashauth

import "errors"

var (
	// ErrInvalidCredentials is an exported constant or variable used by the authentication engine.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailExists is an exported constant or variable used by the authentication engine.
	ErrEmailExists = errors.New("email already registered")
	// ErrAccountUnverified is an exported constant or variable used by the authentication engine.
	ErrAccountUnverified = errors.New("account unverified")
	// ErrTooManyAttempts is an exported constant or variable used by the authentication engine.
	ErrTooManyAttempts = errors.New("too many attempts")
	// ErrOtpResendCooldown is an exported constant or variable used by the authentication engine.
	ErrOtpResendCooldown = errors.New("otp resend cooldown active")
	// ErrNoSuchOtp is an exported constant or variable used by the authentication engine.
	ErrNoSuchOtp = errors.New("no pending otp")
	// ErrOtpExpired is an exported constant or variable used by the authentication engine.
	ErrOtpExpired = errors.New("otp expired")
	// ErrOtpMismatch is an exported constant or variable used by the authentication engine.
	ErrOtpMismatch = errors.New("otp code mismatch")
	// ErrTokenInvalid is an exported constant or variable used by the authentication engine.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is an exported constant or variable used by the authentication engine.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionNotFound is an exported constant or variable used by the authentication engine.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPasswordPolicy is an exported constant or variable used by the authentication engine.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is an exported constant or variable used by the authentication engine.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrSessionCreationFailed is an exported constant or variable used by the authentication engine.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrStorageUnavailable is an exported constant or variable used by the authentication engine.
	ErrStorageUnavailable = errors.New("auth storage unavailable")
	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrProviderDuplicateEmail is an exported constant or variable used by the authentication engine.
	ErrProviderDuplicateEmail = errors.New("provider duplicate email")
)
