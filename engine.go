package flashauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"time"

	"github.com/iam-dha/flashcard-auth/internal"
	"github.com/iam-dha/flashcard-auth/internal/rate"
	"github.com/iam-dha/flashcard-auth/internal/stores"
	"github.com/iam-dha/flashcard-auth/jwt"
	"github.com/iam-dha/flashcard-auth/password"
	"github.com/iam-dha/flashcard-auth/session"
	"github.com/redis/go-redis/v9"
)

// Engine defines a public type used by flashauth APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config       Config
	sessionStore *session.Store
	otpStore     *stores.OTPStore
	rateLimiter  *rate.Limiter
	audit        *auditDispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	userProvider UserProvider
	otpSender    OTPSender
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped may return an error when input validation, dependency calls, or security checks fail.
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot may return an error when input validation, dependency calls, or security checks fail.
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login describes the login operation and its observable behavior.
//
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, email, pass string) (*TokenPair, error) {
	ip := clientIPFromContext(ctx)
	if e.passwordHash == nil {
		return nil, ErrEngineNotReady
	}
	if e.rateLimiter != nil {
		// The check runs before any credential lookup so a throttled
		// caller never learns whether the email exists.
		if err := e.rateLimiter.CheckLogin(ctx, email, ip); err != nil {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, "", email, "", ErrTooManyAttempts, nil)
			e.emitRateLimit(ctx, "login", email, nil)
			return nil, ErrTooManyAttempts
		}
	}
	if pass == "" {
		return nil, e.failLogin(ctx, email, ip, "", "empty_password")
	}

	user, err := e.userProvider.FindByEmail(ctx, email)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", email, "", ErrStorageUnavailable, func() map[string]string {
			return map[string]string{
				"reason": "provider_error",
			}
		})
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	if user == nil {
		return nil, e.failLogin(ctx, email, ip, "", "user_not_found")
	}

	ok, err := e.passwordHash.Verify(pass, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, email, ip, user.UserID, "password_mismatch")
	}
	if !user.Verified {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, email, "", ErrAccountUnverified, func() map[string]string {
			return map[string]string{
				"reason": "pending_verification",
			}
		})
		return nil, ErrAccountUnverified
	}

	if e.config.Password.UpgradeOnLogin {
		if needsUpgrade, err := e.passwordHash.NeedsUpgrade(user.PasswordHash); err == nil && needsUpgrade {
			if upgradedHash, err := e.passwordHash.Hash(pass); err == nil {
				// Rehash update is best-effort and must not block successful login.
				if err := e.userProvider.UpdatePassword(ctx, email, upgradedHash); err != nil {
					log.Print("flashauth: password hash upgrade update failed")
				}
			} else {
				log.Print("flashauth: password hash upgrade generation failed")
			}
		}
	}
	pass = ""

	pair, sessionID, err := e.startSession(ctx, user.UserID)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, email, sessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "session_issue_failed",
			}
		})
		return nil, err
	}

	if e.rateLimiter != nil {
		// Limiter reset is best-effort and must not block successful login.
		if err := e.rateLimiter.ResetLogin(ctx, email, ip); err != nil {
			log.Print("flashauth: login limiter reset failed")
		}
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, email, sessionID, nil, nil)

	return pair, nil
}

// failLogin records a failed credential attempt and returns the generic
// credential error. The limiter increment happens here so every failure
// path counts against the window exactly once.
func (e *Engine) failLogin(ctx context.Context, email, ip, userID, reason string) error {
	if e.rateLimiter != nil {
		if err := e.rateLimiter.IncrementLogin(ctx, email, ip); err != nil {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, userID, email, "", ErrTooManyAttempts, nil)
			e.emitRateLimit(ctx, "login", email, nil)
			return ErrTooManyAttempts
		}
	}
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, email, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{
			"reason": reason,
		}
	})
	return ErrInvalidCredentials
}

// startSession creates a session record, enforces the per-user cap, and
// issues the token pair. Issuance is all-or-nothing: when token creation
// fails after the session record landed, the record is rolled back so a
// session never exists without tokens that reference it.
func (e *Engine) startSession(ctx context.Context, userID string) (*TokenPair, string, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, "", errors.Join(ErrSessionCreationFailed, err)
	}
	sessionID := sid.String()

	refreshSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, sessionID, errors.Join(ErrSessionCreationFailed, err)
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:       sessionID,
		UserID:          userID,
		RefreshHash:     internal.HashRefreshSecret(refreshSecret),
		FingerprintHash: internal.HashFingerprint(clientIPFromContext(ctx), userAgentFromContext(ctx)),
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(e.config.JWT.RefreshTTL).Unix(),
	}

	evicted, err := e.sessionStore.Save(ctx, sess, e.config.JWT.RefreshTTL)
	if err != nil {
		return nil, sessionID, errors.Join(ErrSessionCreationFailed, err)
	}
	for _, evictedID := range evicted {
		e.metricInc(MetricSessionEvicted)
		e.emitAudit(ctx, auditEventSessionEvicted, true, userID, "", evictedID, nil, func() map[string]string {
			return map[string]string{
				"replaced_by": sessionID,
			}
		})
	}

	access, err := e.jwtManager.CreateAccess(userID, sessionID)
	if err != nil {
		e.rollbackSession(ctx, sessionID)
		return nil, sessionID, errors.Join(ErrSessionCreationFailed, err)
	}

	refresh, err := internal.EncodeRefreshToken(sessionID, refreshSecret)
	if err != nil {
		e.rollbackSession(ctx, sessionID)
		return nil, sessionID, errors.Join(ErrSessionCreationFailed, err)
	}

	e.metricInc(MetricSessionCreated)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
	}, sessionID, nil
}

func (e *Engine) rollbackSession(ctx context.Context, sessionID string) {
	if err := e.sessionStore.Delete(ctx, sessionID); err != nil {
		log.Print("flashauth: session rollback failed")
	}
}

// Refresh describes the refresh operation and its observable behavior.
//
// Refresh may return an error when input validation, dependency calls, or security checks fail.
// Refresh does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sessionID, providedSecret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{
				"reason": "decode_failed",
			}
		})
		return nil, ErrTokenInvalid
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "next_secret_generation",
			}
		})
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	sess, err := e.sessionStore.RotateRefreshHash(
		ctx,
		sessionID,
		internal.HashRefreshSecret(providedSecret),
		internal.HashRefreshSecret(nextSecret),
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			// A stale secret against a live session means the token was
			// already rotated once: someone is replaying it. Every
			// session the user owns is revoked, and the caller learns
			// nothing beyond a generic rejection.
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricSessionInvalidated)
			userID := ""
			if sess != nil {
				userID = sess.UserID
				if delErr := e.sessionStore.DeleteAllForUser(ctx, sess.UserID); delErr != nil {
					log.Print("flashauth: revoke-all after refresh reuse failed")
				}
			}
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, userID, "", sessionID, err, nil)
			return nil, ErrTokenInvalid
		case errors.Is(err, redis.Nil):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrSessionNotFound, func() map[string]string {
				return map[string]string{
					"reason": "session_not_found",
				}
			})
			return nil, ErrTokenInvalid
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, err, func() map[string]string {
				return map[string]string{
					"reason": "rotate_failed",
				}
			})
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
	}

	access, err := e.jwtManager.CreateAccess(sess.UserID, sess.SessionID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.UserID, "", sess.SessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "issue_access_failed",
			}
		})
		return nil, err
	}

	refresh, err := internal.EncodeRefreshToken(sess.SessionID, nextSecret)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, sess.UserID, "", sess.SessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "encode_refresh_failed",
			}
		})
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.UserID, "", sess.SessionID, nil, nil)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// ValidateAccess describes the validateaccess operation and its observable behavior.
//
// ValidateAccess may return an error when input validation, dependency calls, or security checks fail.
// ValidateAccess does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ValidateAccess(ctx context.Context, tokenStr string) (*AuthResult, error) {
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}()
	}

	claims, err := e.jwtManager.ParseAccess(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	// No storage lookup: validity comes from the signature and exp claim
	// alone. A logged-out session keeps its access token alive until exp.
	return &AuthResult{
		UserID:    claims.UID,
		SessionID: claims.SID,
	}, nil
}

// Logout describes the logout operation and its observable behavior.
//
// Logout may return an error when input validation, dependency calls, or security checks fail.
// Logout does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	sessionID, providedSecret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{
				"reason": "decode_failed",
			}
		})
		return ErrTokenInvalid
	}

	sess, err := e.sessionStore.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Already gone. Logging out twice is not an error.
			e.emitAudit(ctx, auditEventLogoutSession, true, "", "", sessionID, nil, func() map[string]string {
				return map[string]string{
					"reason": "already_revoked",
				}
			})
			return nil
		}
		return errors.Join(ErrStorageUnavailable, err)
	}

	providedHash := internal.HashRefreshSecret(providedSecret)
	if subtle.ConstantTimeCompare(providedHash[:], sess.RefreshHash[:]) != 1 {
		// A stale secret must not be able to kill the live session.
		e.emitAudit(ctx, auditEventLogoutSession, false, sess.UserID, "", sessionID, ErrTokenInvalid, func() map[string]string {
			return map[string]string{
				"reason": "hash_mismatch",
			}
		})
		return ErrTokenInvalid
	}

	if err := e.sessionStore.Delete(ctx, sessionID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, sess.UserID, "", sessionID, err, nil)
		return errors.Join(ErrStorageUnavailable, err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutSession, true, sess.UserID, "", sessionID, nil, nil)
	return nil
}

// LogoutSession describes the logoutsession operation and its observable behavior.
//
// LogoutSession may return an error when input validation, dependency calls, or security checks fail.
// LogoutSession does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) LogoutSession(ctx context.Context, sessionID string) error {
	err := e.sessionStore.Delete(ctx, sessionID)
	if err == nil {
		e.metricInc(MetricLogout)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutSession, err == nil, "", "", sessionID, err, nil)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

// LogoutAll describes the logoutall operation and its observable behavior.
//
// LogoutAll may return an error when input validation, dependency calls, or security checks fail.
// LogoutAll does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	err := e.sessionStore.DeleteAllForUser(ctx, userID)
	if err == nil {
		e.metricInc(MetricLogoutAll)
		e.metricInc(MetricSessionInvalidated)
	}
	e.emitAudit(ctx, auditEventLogoutAll, err == nil, userID, "", "", err, nil)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

// ActiveSessions describes the activesessions operation and its observable behavior.
//
// ActiveSessions may return an error when input validation, dependency calls, or security checks fail.
// ActiveSessions does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := e.sessionStore.ActiveSessionIDs(ctx, userID)
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return ids, nil
}
