// ABOUTME: Handshake message types: challenge event, connect params, hello manifest
// ABOUTME: Also holds protocol version bounds, role and scope names

package protocol

// Protocol versions this build speaks.
const (
	MinProtocolVersion = 1
	MaxProtocolVersion = 3
)

// Event and method names used by the handshake.
const (
	EventConnectChallenge = "connect.challenge"
	MethodConnect         = "connect"
)

// Roles a client may request.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Scopes gate methods. ScopeAdmin implies every other scope.
const (
	ScopeAdmin = "operator.admin"
	ScopeRead  = "operator.read"
	ScopeWrite = "operator.write"
)

// ChallengePayload is the body of a connect.challenge event.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// ClientInfo describes the connecting program.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// DeviceAuth is a signed device-auth payload. Nonce is empty for v1 payloads.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// AuthParams carries the credentials offered in a connect request.
type AuthParams struct {
	Token  string      `json:"token,omitempty"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// ConnectParams is the params object of a connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps,omitempty"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Auth        AuthParams `json:"auth"`
}

// ServerInfo identifies the gateway in the hello payload.
type ServerInfo struct {
	Version string `json:"version"`
	ConnID  string `json:"connId"`
}

// HelloPayload is returned by a successful connect.
type HelloPayload struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Role     string     `json:"role"`
	Scopes   []string   `json:"scopes"`
	DeviceID string     `json:"deviceId,omitempty"`
	Methods  []string   `json:"methods"`
	Events   []string   `json:"events"`
}

// HelloType is the Type value of a HelloPayload.
const HelloType = "hello"

// NegotiateVersion intersects the client range with the server range and returns
// the highest shared version. ok is false when the ranges are disjoint or the
// client range is inverted.
func NegotiateVersion(clientMin, clientMax int) (version int, ok bool) {
	if clientMin > clientMax {
		return 0, false
	}
	lo := max(clientMin, MinProtocolVersion)
	hi := min(clientMax, MaxProtocolVersion)
	if lo > hi {
		return 0, false
	}
	return hi, true
}
