// ABOUTME: Ordered credential checks for the connect handshake
// ABOUTME: Device signature, JWT bearer and shared gateway token; scope resolution

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/agent-gateway/internal/protocol"
)

// DefaultSignatureSkew bounds how far signedAt may drift from server time.
const DefaultSignatureSkew = 10 * time.Minute

// NonceConsumer burns a challenge nonce. Implemented by nonce.Registry.
type NonceConsumer interface {
	ConsumeErr(n string) error
}

// Attempt is one connect request as seen by the credential checks.
type Attempt struct {
	ConnID         string
	Params         *protocol.ConnectParams
	ChallengeNonce string // outstanding nonce of this connection, empty if none
}

// Grant is what a successful credential vouches for.
type Grant struct {
	Credential string
	Subject    string
	DeviceID   string
	// ScopeCeiling, if non-nil, further limits the role's scopes.
	ScopeCeiling []string
	// Role, if set, is the only role this credential may act as.
	Role string
	// IdentityOnly grants prove who is connecting but authorize nothing. Some
	// other credential in the same attempt has to grant access.
	IdentityOnly bool
}

// Credential is one kind of proof a client may present.
type Credential interface {
	Name() string
	// Verify returns ErrNotPresented when the attempt does not offer this kind.
	Verify(ctx context.Context, a *Attempt) (*Grant, error)
}

// ApprovedDevice is the access a known device id is allowed on its own.
type ApprovedDevice struct {
	// Role, if set, is the only role the device may act as.
	Role string
	// Scopes, if non-empty, limits the role's scopes.
	Scopes []string
}

// DeviceCheck verifies a signed device-auth payload. A device listed in
// Approved authorizes with that entry's limits; any other device that verifies
// only identifies the connection.
type DeviceCheck struct {
	Nonces      NonceConsumer
	Approved    map[string]ApprovedDevice
	Skew        time.Duration
	AllowLegacy bool // accept v1 payloads without a nonce
	Now         func() time.Time
}

func (d *DeviceCheck) Name() string { return "device" }

func (d *DeviceCheck) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Verify runs the device checks. When the payload carries a nonce it must be
// this connection's outstanding challenge, and it is consumed before the
// signature is checked so a failed attempt still burns it.
func (d *DeviceCheck) Verify(_ context.Context, a *Attempt) (*Grant, error) {
	p := a.Params
	dev := p.Auth.Device
	if dev == nil {
		return nil, ErrNotPresented
	}

	pub, err := ParsePublicKey(dev.PublicKey)
	if err != nil {
		return nil, fail(d.Name(), ReasonBadPublicKey, err)
	}
	deviceID := DeriveDeviceID(pub)
	if subtle.ConstantTimeCompare([]byte(deviceID), []byte(dev.ID)) != 1 {
		return nil, fail(d.Name(), ReasonDeviceIDMismatch, nil)
	}

	skew := d.Skew
	if skew <= 0 {
		skew = DefaultSignatureSkew
	}
	drift := d.now().Sub(time.UnixMilli(dev.SignedAt))
	if drift < 0 {
		drift = -drift
	}
	if drift > skew {
		return nil, fail(d.Name(), ReasonStaleSignature, nil)
	}

	payload := DevicePayload{
		DeviceID:   dev.ID,
		ClientID:   p.Client.ID,
		ClientMode: p.Client.Mode,
		Role:       p.Role,
		Scopes:     p.Scopes,
		SignedAtMs: dev.SignedAt,
		Token:      p.Auth.Token,
	}

	if dev.Nonce != "" {
		if a.ChallengeNonce == "" || subtle.ConstantTimeCompare([]byte(dev.Nonce), []byte(a.ChallengeNonce)) != 1 {
			return nil, fail(d.Name(), ReasonNonceMismatch, nil)
		}
		if err := d.Nonces.ConsumeErr(dev.Nonce); err != nil {
			return nil, fail(d.Name(), ReasonNonceRejected, err)
		}
		payload.Version = DeviceAuthV2
		payload.Nonce = dev.Nonce
	} else {
		if !d.AllowLegacy {
			return nil, fail(d.Name(), ReasonLegacyDisabled, nil)
		}
		payload.Version = DeviceAuthV1
	}

	canonical, err := payload.Canonical()
	if err != nil {
		return nil, fail(d.Name(), ReasonBadSignature, err)
	}
	if !VerifySignature(dev.PublicKey, canonical, dev.Signature) {
		return nil, fail(d.Name(), ReasonBadSignature, nil)
	}

	g := &Grant{Credential: d.Name(), Subject: "device:" + deviceID, DeviceID: deviceID}
	approved, ok := d.Approved[deviceID]
	if !ok {
		g.IdentityOnly = true
		return g, nil
	}
	g.Role = approved.Role
	if len(approved.Scopes) > 0 {
		g.ScopeCeiling = approved.Scopes
	}
	return g, nil
}

// JWTCheck verifies a bearer JWT carried in auth.token.
type JWTCheck struct {
	Verifier *JWTVerifier
}

func (j *JWTCheck) Name() string { return "jwt" }

func (j *JWTCheck) Verify(_ context.Context, a *Attempt) (*Grant, error) {
	tok := a.Params.Auth.Token
	if tok == "" || !looksLikeJWT(tok) {
		return nil, ErrNotPresented
	}
	claims, err := j.Verifier.Verify(tok)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil, fail(j.Name(), ReasonExpiredToken, err)
		}
		return nil, fail(j.Name(), ReasonBadToken, err)
	}
	g := &Grant{Credential: j.Name(), Subject: claims.Subject, Role: claims.Role}
	if len(claims.Scopes) > 0 {
		g.ScopeCeiling = claims.Scopes
	}
	return g, nil
}

// SharedTokenCheck compares auth.token against the static gateway token, given
// either in plain form or as a bcrypt hash.
type SharedTokenCheck struct {
	Token     string
	TokenHash string
	// SkipJWT leaves JWT-shaped tokens to the JWT check.
	SkipJWT bool
}

func (s *SharedTokenCheck) Name() string { return "token" }

func (s *SharedTokenCheck) Verify(_ context.Context, a *Attempt) (*Grant, error) {
	tok := a.Params.Auth.Token
	if tok == "" || (s.SkipJWT && looksLikeJWT(tok)) {
		return nil, ErrNotPresented
	}

	switch {
	case s.TokenHash != "":
		if err := bcrypt.CompareHashAndPassword([]byte(s.TokenHash), []byte(tok)); err != nil {
			return nil, fail(s.Name(), ReasonBadToken, nil)
		}
	case s.Token != "":
		if subtle.ConstantTimeCompare([]byte(s.Token), []byte(tok)) != 1 {
			return nil, fail(s.Name(), ReasonBadToken, nil)
		}
	default:
		return nil, fail(s.Name(), ReasonCredentialDisabled, nil)
	}
	return &Grant{Credential: s.Name(), Subject: "token"}, nil
}

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	Subject    string
	Credential string
	DeviceID   string
	Role       string
	Scopes     []string
}

// HasScope reports whether the identity may use something gated by scope.
func (id *Identity) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	return slices.Contains(id.Scopes, protocol.ScopeAdmin) || slices.Contains(id.Scopes, scope)
}

// Authenticator runs the ordered credential checks.
type Authenticator struct {
	checks     []Credential
	roleScopes map[string][]string
	logger     *slog.Logger
}

// DefaultRoleScopes is the scope ceiling per role when config does not override it.
func DefaultRoleScopes() map[string][]string {
	return map[string][]string{
		protocol.RoleOperator: {protocol.ScopeAdmin, protocol.ScopeRead, protocol.ScopeWrite},
		protocol.RoleNode:     {protocol.ScopeRead},
	}
}

// NewAuthenticator creates an Authenticator. Checks run in the given order.
func NewAuthenticator(roleScopes map[string][]string, logger *slog.Logger, checks ...Credential) *Authenticator {
	if roleScopes == nil {
		roleScopes = DefaultRoleScopes()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{checks: checks, roleScopes: roleScopes, logger: logger}
}

// Authenticate evaluates every check. A presented credential that fails rejects
// the attempt. The first authorizing grant names the subject, and every
// authorizing grant's role and scope limits apply.
func (a *Authenticator) Authenticate(ctx context.Context, at *Attempt) (*Identity, error) {
	var grants []*Grant
	deviceID := ""

	for _, check := range a.checks {
		grant, err := check.Verify(ctx, at)
		if errors.Is(err, ErrNotPresented) {
			continue
		}
		if err != nil {
			a.logFailure(at, err)
			return nil, err
		}
		if grant.DeviceID != "" {
			deviceID = grant.DeviceID
		}
		grants = append(grants, grant)
	}

	if len(grants) == 0 {
		err := fail("none", ReasonNoCredential, nil)
		a.logFailure(at, err)
		return nil, err
	}

	authorizing := slices.DeleteFunc(slices.Clone(grants), func(g *Grant) bool { return g.IdentityOnly })
	if len(authorizing) == 0 {
		err := fail(grants[0].Credential, ReasonDeviceNotApproved, nil)
		a.logFailure(at, err)
		return nil, err
	}

	id, err := a.resolve(authorizing, at.Params)
	if err != nil {
		a.logFailure(at, err)
		return nil, err
	}
	id.DeviceID = deviceID
	return id, nil
}

// resolve picks the role and intersects requested scopes with the role's
// scopes and every grant's ceiling.
func (a *Authenticator) resolve(grants []*Grant, p *protocol.ConnectParams) (*Identity, error) {
	lead := grants[0]
	role := p.Role
	if role == "" {
		role = protocol.RoleOperator
	}
	allowed, ok := a.roleScopes[role]
	if !ok {
		return nil, fail(lead.Credential, ReasonUnknownRole, nil)
	}
	for _, g := range grants {
		if g.Role != "" && g.Role != role {
			return nil, fail(g.Credential, ReasonRoleMismatch, nil)
		}
		if g.ScopeCeiling != nil {
			allowed = intersect(allowed, g.ScopeCeiling)
		}
	}

	granted := allowed
	if len(p.Scopes) > 0 {
		granted = intersect(p.Scopes, allowed)
	}
	if len(granted) == 0 {
		return nil, fail(lead.Credential, ReasonScopeDenied, nil)
	}

	return &Identity{
		Subject:    lead.Subject,
		Credential: lead.Credential,
		Role:       role,
		Scopes:     granted,
	}, nil
}

// intersect returns the members of want that have allows, in want's order.
// operator.admin in have allows everything.
func intersect(want, have []string) []string {
	adminAll := slices.Contains(have, protocol.ScopeAdmin)
	out := make([]string, 0, len(want))
	for _, w := range want {
		if (adminAll || slices.Contains(have, w)) && !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func (a *Authenticator) logFailure(at *Attempt, err error) {
	attrs := []any{"conn_id", at.ConnID, "reason", string(ReasonOf(err)), "error", err}
	if at.Params != nil {
		attrs = append(attrs, "client_id", at.Params.Client.ID, "role", at.Params.Role)
	}
	a.logger.Warn("auth failure", attrs...)
}
