// Package auth verifies the credentials a client presents in its connect request.
//
// # Device signatures
//
// A device is an ed25519 keypair. Its id is the lowercase hex SHA-256 of the raw
// 32-byte public key, so the same key always yields the same id regardless of
// how it was encoded on the wire (raw base64url, PEM SPKI or SSH authorized-key).
//
// The device signs a canonical pipe-delimited payload (see DevicePayload). v2
// payloads end with the challenge nonce the gateway pushed on connection open;
// v1 payloads have no nonce and are only accepted when legacy device auth is
// enabled. A signature over one version never verifies against the other.
//
// VerifySignature returns a bare bool. Malformed keys, malformed signatures and
// wrong signatures are indistinguishable to the caller.
//
// # Credential checks
//
// The Authenticator runs an ordered list of Credential checks:
//
//	device signature -> JWT bearer token -> shared gateway token
//
// Every credential the client presented must verify. A device signature on its
// own authorizes nothing unless the device id is in the approved list; an
// unknown device needs a token or JWT next to it. Every authorizing credential
// limits the role and scopes, and the first one names the subject. Adding a
// new credential kind means appending a Credential; existing checks are
// untouched.
//
// Failures carry an internal Reason for logging. Nothing about the reason may be
// sent to the client; the gateway replies with protocol.ErrAuthFailed.
//
// # Scopes
//
// Granted scopes are the requested scopes intersected with what the role and
// each authorizing credential allow. operator.admin implies every other scope.
package auth
