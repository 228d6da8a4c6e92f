// Package protocol defines the JSON frames exchanged between a backend client and
// the agent gateway over a persistent WebSocket connection.
//
// # Frames
//
// Every message is a JSON object with a "type" discriminator:
//
//   - req:   {type, id, method, params}
//   - res:   {type, id, ok, payload?, error?}
//   - event: {type, event, payload, seq?}
//
// Requests carry a caller-chosen id that is unique per connection. The gateway
// answers each id with one response, except for long-running methods, which
// answer twice: first {status: "accepted", runId}, later the terminal
// {status: "completed"|"errored"} on the same id.
//
// # Handshake
//
// On open the gateway emits a connect.challenge event carrying a nonce. The
// client replies with a connect request (ConnectParams). A successful reply
// carries a HelloPayload listing the methods and events the connection may use.
//
// # Device auth payload
//
// Device signatures cover a pipe-delimited canonical string:
//
//	v1|deviceId|clientId|clientMode|role|scopesCsv|signedAtMs|token
//	v2|deviceId|clientId|clientMode|role|scopesCsv|signedAtMs|token|nonce
package protocol
