package internaldefs

import (
	flashauth "github.com/iam-dha/flashcard-auth"
)

// CounterDef defines a public type used by flashauth APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   flashauth.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by flashauth APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   flashauth.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the authentication engine.
var CounterDefs = []CounterDef{
	{ID: flashauth.MetricLoginSuccess, Name: "flashauth_login_success_total", Help: "Successful login attempts."},
	{ID: flashauth.MetricLoginFailure, Name: "flashauth_login_failure_total", Help: "Failed login attempts."},
	{ID: flashauth.MetricLoginRateLimited, Name: "flashauth_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: flashauth.MetricRefreshSuccess, Name: "flashauth_refresh_success_total", Help: "Successful refresh operations."},
	{ID: flashauth.MetricRefreshFailure, Name: "flashauth_refresh_failure_total", Help: "Failed refresh operations."},
	{ID: flashauth.MetricRefreshReuseDetected, Name: "flashauth_refresh_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: flashauth.MetricRateLimitHit, Name: "flashauth_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: flashauth.MetricSessionCreated, Name: "flashauth_session_created_total", Help: "Created sessions."},
	{ID: flashauth.MetricSessionEvicted, Name: "flashauth_session_evicted_total", Help: "Sessions evicted by the per-user cap."},
	{ID: flashauth.MetricSessionInvalidated, Name: "flashauth_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: flashauth.MetricLogout, Name: "flashauth_logout_total", Help: "Single-session logout operations."},
	{ID: flashauth.MetricLogoutAll, Name: "flashauth_logout_all_total", Help: "Logout-all operations."},
	{ID: flashauth.MetricRegisterOTPRequested, Name: "flashauth_register_otp_requested_total", Help: "Registration OTP requests."},
	{ID: flashauth.MetricRegisterSuccess, Name: "flashauth_register_success_total", Help: "Successful registrations."},
	{ID: flashauth.MetricRegisterDuplicate, Name: "flashauth_register_duplicate_total", Help: "Registration attempts rejected as duplicate."},
	{ID: flashauth.MetricOTPDispatchFailure, Name: "flashauth_otp_dispatch_failure_total", Help: "OTP delivery failures."},
	{ID: flashauth.MetricOTPVerifySuccess, Name: "flashauth_otp_verify_success_total", Help: "Successful OTP verifications."},
	{ID: flashauth.MetricOTPVerifyFailure, Name: "flashauth_otp_verify_failure_total", Help: "Failed OTP verifications."},
	{ID: flashauth.MetricPasswordChangeSuccess, Name: "flashauth_password_change_success_total", Help: "Successful password changes."},
	{ID: flashauth.MetricPasswordChangeInvalidOld, Name: "flashauth_password_change_invalid_old_total", Help: "Password change attempts with invalid old password."},
	{ID: flashauth.MetricPasswordChangeReuseRejected, Name: "flashauth_password_change_reuse_rejected_total", Help: "Password change attempts rejected for reuse."},
	{ID: flashauth.MetricPasswordResetRequest, Name: "flashauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: flashauth.MetricPasswordResetConfirmSuccess, Name: "flashauth_password_reset_confirm_success_total", Help: "Successful password reset confirmations."},
	{ID: flashauth.MetricPasswordResetConfirmFailure, Name: "flashauth_password_reset_confirm_failure_total", Help: "Failed password reset confirmations."},
}

// HistogramDefs is an exported constant or variable used by the authentication engine.
var HistogramDefs = []HistogramDef{
	{ID: flashauth.MetricValidateLatency, Name: "flashauth_validate_latency_seconds", Help: "ValidateAccess latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the authentication engine.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is an exported constant or variable used by the authentication engine.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets describes the normalizebuckets operation and its observable behavior.
//
// NormalizeBuckets may return an error when input validation, dependency calls, or security checks fail.
// NormalizeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets may return an error when input validation, dependency calls, or security checks fail.
// CumulativeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
