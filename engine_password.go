package flashauth

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"time"
)

// ChangePassword describes the changepassword operation and its observable behavior.
//
// ChangePassword may return an error when input validation, dependency calls, or security checks fail.
// ChangePassword does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	if e.passwordHash == nil || e.userProvider == nil {
		return ErrEngineNotReady
	}
	if email == "" || oldPassword == "" || newPassword == "" {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, "", email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "invalid_input",
			}
		})
		return ErrPasswordPolicy
	}

	user, err := e.userProvider.FindByEmail(ctx, email)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if user == nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, "", email, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "user_not_found",
			}
		})
		return ErrInvalidCredentials
	}

	oldOK, err := e.passwordHash.Verify(oldPassword, user.PasswordHash)
	if err != nil || !oldOK {
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, user.UserID, email, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "old_password_mismatch",
			}
		})
		return ErrInvalidCredentials
	}

	samePassword, err := e.passwordHash.Verify(newPassword, user.PasswordHash)
	if err == nil && samePassword {
		e.metricInc(MetricPasswordChangeReuseRejected)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, user.UserID, email, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, err := e.hashNewPassword(newPassword)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, user.UserID, email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "hash_policy",
			}
		})
		return err
	}

	if err := e.userProvider.UpdatePassword(ctx, email, newHash); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, user.UserID, email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "update_hash_failed",
			}
		})
		return errors.Join(ErrStorageUnavailable, err)
	}

	// Every session dies with the old credential. A caller holding only a
	// stolen refresh token is cut off the moment the owner rotates the
	// password.
	if err := e.LogoutAll(ctx, user.UserID); err != nil {
		log.Print("flashauth: session invalidation failed after password change")
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, user.UserID, email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "session_invalidation_failed",
			}
		})
		return errors.Join(ErrStorageUnavailable, err)
	}

	if e.rateLimiter != nil {
		// Limiter reset is best-effort and must not block a completed change.
		if err := e.rateLimiter.ResetLogin(ctx, email, clientIPFromContext(ctx)); err != nil {
			log.Print("flashauth: login limiter reset failed after password change")
		}
	}

	oldPassword = ""
	newPassword = ""
	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, user.UserID, email, "", nil, nil)

	return nil
}

// RequestPasswordReset describes the requestpasswordreset operation and its observable behavior.
//
// RequestPasswordReset may return an error when input validation, dependency calls, or security checks fail.
// RequestPasswordReset does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
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
	if user == nil || !user.Verified {
		// Unknown and unverified emails get the same success response as
		// known ones, with a small random delay so response timing does
		// not betray the branch taken.
		if err := sleepEnumerationDelay(ctx); err != nil {
			return err
		}
		e.metricInc(MetricPasswordResetRequest)
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", email, "", nil, func() map[string]string {
			return map[string]string{
				"known_account": "false",
			}
		})
		return nil
	}

	if err := e.issueOTP(ctx, OTPPurposeResetPassword, email); err != nil {
		if errors.Is(err, ErrOtpResendCooldown) {
			return err
		}
		// Backend trouble is masked the same way an unknown email is.
		log.Print("flashauth: password reset otp issue failed")
		if sleepErr := sleepEnumerationDelay(ctx); sleepErr != nil {
			return sleepErr
		}
		e.metricInc(MetricPasswordResetRequest)
		return nil
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.UserID, email, "", nil, nil)
	return nil
}

// ResetPassword describes the resetpassword operation and its observable behavior.
//
// ResetPassword may return an error when input validation, dependency calls, or security checks fail.
// ResetPassword does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if e.passwordHash == nil || e.otpStore == nil || e.userProvider == nil {
		return ErrEngineNotReady
	}
	if email == "" || code == "" {
		return ErrNoSuchOtp
	}

	// Hash before consuming so a policy rejection does not burn the code.
	newHash, err := e.hashNewPassword(newPassword)
	if err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", email, "", ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "password_policy",
			}
		})
		return err
	}

	if err := e.consumeOTP(ctx, OTPPurposeResetPassword, email, code); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.metricInc(MetricOTPVerifyFailure)
		e.emitAudit(ctx, auditEventOTPVerifyFailure, false, "", email, "", err, func() map[string]string {
			return map[string]string{
				"purpose": string(OTPPurposeResetPassword),
			}
		})
		return err
	}
	e.metricInc(MetricOTPVerifySuccess)

	user, err := e.userProvider.FindByEmail(ctx, email)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if user == nil {
		// The account vanished between OTP issue and confirm.
		e.metricInc(MetricPasswordResetConfirmFailure)
		return ErrNoSuchOtp
	}

	if err := e.userProvider.UpdatePassword(ctx, email, newHash); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, user.UserID, email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "update_hash_failed",
			}
		})
		return errors.Join(ErrStorageUnavailable, err)
	}

	if err := e.LogoutAll(ctx, user.UserID); err != nil {
		log.Print("flashauth: session invalidation failed after password reset")
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, user.UserID, email, "", err, func() map[string]string {
			return map[string]string{
				"reason": "session_invalidation_failed",
			}
		})
		return errors.Join(ErrStorageUnavailable, err)
	}

	if e.rateLimiter != nil {
		// A completed reset proves mailbox ownership, so the login window
		// opens again immediately.
		if err := e.rateLimiter.ResetLogin(ctx, email, clientIPFromContext(ctx)); err != nil {
			log.Print("flashauth: login limiter reset failed after password reset")
		}
	}

	newPassword = ""
	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, user.UserID, email, "", nil, nil)

	return nil
}

func sleepEnumerationDelay(ctx context.Context) error {
	minMs := int64(20)
	maxMs := int64(40)
	span := maxMs - minMs + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return err
	}

	delay := time.Duration(minMs+n.Int64()) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
