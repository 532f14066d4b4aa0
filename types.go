package flashauth

import "context"

// UserRecord is the account record exchanged with [UserProvider]. It carries
// the credential hash and verification state; profile data stays with the
// embedding application.
type UserRecord struct {
	UserID       string
	Email        string
	PasswordHash string
	Verified     bool
}

// CreateUserInput is the input for [UserProvider.CreateUser].
type CreateUserInput struct {
	Email        string
	PasswordHash string
	Verified     bool
}

// UserProvider is the interface callers must implement to integrate the
// engine with their user database. All lookups are keyed by email; the
// engine treats UserID as an opaque handle for session ownership.
//
// FindByEmail returns a nil record and no error when the email is unknown;
// the engine maps that to the generic credential failure itself. CreateUser
// must fail with [ErrProviderDuplicateEmail] when the email is already taken.
type UserProvider interface {
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)
	CreateUser(ctx context.Context, input CreateUserInput) (UserRecord, error)
	UpdatePassword(ctx context.Context, email string, newHash string) error
	MarkVerified(ctx context.Context, email string) error
}

// OTPSender delivers a one-time code to the user. Implementations wrap the
// application's mail transport. The engine calls SendOTP after persisting
// the code record; a send failure never invalidates the stored code.
type OTPSender interface {
	SendOTP(ctx context.Context, email string, purpose OTPPurpose, code string) error
}

// OTPPurpose scopes an OTP record to the flow that requested it. Codes
// issued for one purpose never verify under another.
type OTPPurpose string

const (
	// OTPPurposeRegister is an exported constant or variable used by the authentication engine.
	OTPPurposeRegister OTPPurpose = "register"
	// OTPPurposeResetPassword is an exported constant or variable used by the authentication engine.
	OTPPurposeResetPassword OTPPurpose = "reset-password"
)

// TokenPair is the access+refresh pair returned by login, register, and
// refresh flows.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is returned by [Engine.ValidateAccess]: the identity claims
// recovered from a valid access token. No storage lookup backs it.
type AuthResult struct {
	UserID    string
	SessionID string
}

// RegisterRequest is the input for [Engine.Register]. Code is the OTP the
// user received for [OTPPurposeRegister].
type RegisterRequest struct {
	Email    string
	Password string
	Code     string
}

// RegisterResult is returned by [Engine.Register]. The user is auto-logged
// in, so a fresh token pair is included.
type RegisterResult struct {
	UserID       string
	AccessToken  string
	RefreshToken string
}
