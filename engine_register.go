package flashauth

import (
	"context"
	"errors"
	"log"

	"github.com/iam-dha/flashcard-auth/internal"
	"github.com/iam-dha/flashcard-auth/internal/stores"
)

// RequestRegisterOTP describes the requestregisterotp operation and its observable behavior.
//
// RequestRegisterOTP may return an error when input validation, dependency calls, or security checks fail.
// RequestRegisterOTP does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RequestRegisterOTP(ctx context.Context, email string) error {
	if e.otpStore == nil || e.otpSender == nil || e.userProvider == nil {
		return ErrEngineNotReady
	}
	if email == "" {
		return ErrInvalidCredentials
	}

	user, err := e.userProvider.FindByEmail(ctx, email)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if user != nil && user.Verified {
		e.emitAudit(ctx, auditEventRegisterFailure, false, user.UserID, email, "", ErrEmailExists, func() map[string]string {
			return map[string]string{
				"reason": "email_taken",
			}
		})
		return ErrEmailExists
	}

	if err := e.issueOTP(ctx, OTPPurposeRegister, email); err != nil {
		return err
	}

	e.metricInc(MetricRegisterOTPRequested)
	e.emitAudit(ctx, auditEventRegisterOTPRequested, true, "", email, "", nil, nil)
	return nil
}

// Register describes the register operation and its observable behavior.
//
// Register may return an error when input validation, dependency calls, or security checks fail.
// Register does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if e.passwordHash == nil || e.otpStore == nil || e.userProvider == nil {
		return nil, ErrEngineNotReady
	}
	if req.Email == "" || req.Code == "" {
		return nil, ErrNoSuchOtp
	}

	// The password is hashed before the code is consumed so a policy
	// rejection does not burn a single-use OTP.
	passwordHash, err := e.hashNewPassword(req.Password)
	if err != nil {
		e.emitAudit(ctx, auditEventRegisterFailure, false, "", req.Email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "password_policy",
			}
		})
		return nil, err
	}

	if err := e.consumeOTP(ctx, OTPPurposeRegister, req.Email, req.Code); err != nil {
		e.metricInc(MetricOTPVerifyFailure)
		e.emitAudit(ctx, auditEventOTPVerifyFailure, false, "", req.Email, "", err, func() map[string]string {
			return map[string]string{
				"purpose": string(OTPPurposeRegister),
			}
		})
		return nil, err
	}
	e.metricInc(MetricOTPVerifySuccess)

	user, err := e.userProvider.FindByEmail(ctx, req.Email)
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	var created UserRecord
	switch {
	case user == nil:
		created, err = e.userProvider.CreateUser(ctx, CreateUserInput{
			Email:        req.Email,
			PasswordHash: passwordHash,
			Verified:     true,
		})
		if err != nil {
			if errors.Is(err, ErrProviderDuplicateEmail) {
				e.metricInc(MetricRegisterDuplicate)
				e.emitAudit(ctx, auditEventRegisterFailure, false, "", req.Email, "", ErrEmailExists, func() map[string]string {
					return map[string]string{
						"reason": "duplicate",
					}
				})
				return nil, ErrEmailExists
			}
			e.emitAudit(ctx, auditEventRegisterFailure, false, "", req.Email, "", err, func() map[string]string {
				return map[string]string{
					"reason": "provider_create_failed",
				}
			})
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
	case !user.Verified:
		// An earlier registration stalled before verification. The OTP
		// proves mailbox ownership, so the stalled account is completed
		// with the freshly supplied password.
		if err := e.userProvider.UpdatePassword(ctx, req.Email, passwordHash); err != nil {
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
		if err := e.userProvider.MarkVerified(ctx, req.Email); err != nil {
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
		created = *user
		created.Verified = true
	default:
		e.metricInc(MetricRegisterDuplicate)
		e.emitAudit(ctx, auditEventRegisterFailure, false, user.UserID, req.Email, "", ErrEmailExists, func() map[string]string {
			return map[string]string{
				"reason": "email_taken",
			}
		})
		return nil, ErrEmailExists
	}

	if created.UserID == "" {
		return nil, errors.Join(ErrStorageUnavailable, errors.New("provider returned empty user id"))
	}

	pair, sessionID, err := e.startSession(ctx, created.UserID)
	if err != nil {
		e.emitAudit(ctx, auditEventRegisterFailure, false, created.UserID, req.Email, sessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "auto_login_failed",
			}
		})
		return nil, err
	}

	req.Password = ""
	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, created.UserID, req.Email, sessionID, nil, nil)

	return &RegisterResult{
		UserID:       created.UserID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// issueOTP persists a fresh code for the pair and hands it to the sender.
// Delivery is fire-and-forget: once the record landed, a transport failure
// is logged and audited but does not fail the request, and the stored code
// stays valid for retry via the user's mailbox provider.
func (e *Engine) issueOTP(ctx context.Context, purpose OTPPurpose, email string) error {
	code, err := internal.NewOTP(e.config.OTP.Digits)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}

	err = e.otpStore.Save(
		ctx,
		string(purpose),
		email,
		internal.HashOTPCode(code),
		e.config.OTP.TTL,
		e.config.OTP.ResendCooldown,
	)
	if err != nil {
		return mapOTPStoreError(err)
	}

	if err := e.otpSender.SendOTP(ctx, email, purpose, code); err != nil {
		log.Print("flashauth: otp dispatch failed")
		e.metricInc(MetricOTPDispatchFailure)
		e.emitAudit(ctx, auditEventOTPDispatchFailure, false, "", email, "", nil, func() map[string]string {
			return map[string]string{
				"purpose": string(purpose),
			}
		})
	}

	return nil
}

func (e *Engine) consumeOTP(ctx context.Context, purpose OTPPurpose, email, code string) error {
	err := e.otpStore.Consume(
		ctx,
		string(purpose),
		email,
		internal.HashOTPCode(code),
		e.config.OTP.MaxAttempts,
	)
	if err != nil {
		return mapOTPStoreError(err)
	}
	return nil
}

func mapOTPStoreError(err error) error {
	switch {
	case errors.Is(err, stores.ErrOTPNotFound):
		return ErrNoSuchOtp
	case errors.Is(err, stores.ErrOTPExpired):
		return ErrOtpExpired
	case errors.Is(err, stores.ErrOTPMismatch):
		return ErrOtpMismatch
	case errors.Is(err, stores.ErrOTPAttemptsExceeded):
		return ErrTooManyAttempts
	case errors.Is(err, stores.ErrOTPCooldown):
		return ErrOtpResendCooldown
	default:
		return errors.Join(ErrStorageUnavailable, err)
	}
}

// hashNewPassword applies the engine's password policy and returns the
// encoded hash. Policy rejections map to [ErrPasswordPolicy].
func (e *Engine) hashNewPassword(pass string) (string, error) {
	if pass == "" {
		return "", ErrPasswordPolicy
	}
	hash, err := e.passwordHash.Hash(pass)
	if err != nil {
		return "", ErrPasswordPolicy
	}
	return hash, nil
}
