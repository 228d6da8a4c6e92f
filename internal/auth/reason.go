// ABOUTME: Internal authentication failure reasons for logging
// ABOUTME: Reasons never reach the wire; the gateway sends one generic failure

package auth

import "errors"

// Reason names why a credential check failed. For logs only.
type Reason string

const (
	ReasonNoCredential       Reason = "no_credential"
	ReasonBadPublicKey       Reason = "bad_public_key"
	ReasonDeviceIDMismatch   Reason = "device_id_mismatch"
	ReasonStaleSignature     Reason = "stale_signature"
	ReasonBadSignature       Reason = "bad_signature"
	ReasonNonceMismatch      Reason = "nonce_mismatch"
	ReasonNonceRejected      Reason = "nonce_rejected"
	ReasonLegacyDisabled     Reason = "legacy_device_auth_disabled"
	ReasonDeviceNotApproved  Reason = "device_not_approved"
	ReasonBadToken           Reason = "bad_token"
	ReasonExpiredToken       Reason = "expired_token"
	ReasonUnknownRole        Reason = "unknown_role"
	ReasonRoleMismatch       Reason = "role_mismatch"
	ReasonScopeDenied        Reason = "scope_denied"
	ReasonCredentialDisabled Reason = "credential_disabled"
)

// ErrNotPresented is returned by a Credential whose kind the attempt did not offer.
var ErrNotPresented = errors.New("credential not presented")

// Failure is a rejected credential check.
type Failure struct {
	Credential string
	Reason     Reason
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Credential + ": " + string(f.Reason) + ": " + f.Err.Error()
	}
	return f.Credential + ": " + string(f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(credential string, reason Reason, err error) *Failure {
	return &Failure{Credential: credential, Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason from err, or "" if err is not a Failure.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}
