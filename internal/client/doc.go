// Package client is a Go client for the gateway WebSocket protocol.
//
// # Overview
//
// Dial opens a connection, waits for the connect.challenge event and answers
// it with a connect request. Credentials are a shared token or JWT, a device
// signature, or both:
//
//	dev, _ := client.LoadDevice(path)
//	c, err := client.Dial(ctx, client.Options{
//	    URL:    "ws://127.0.0.1:18789/ws",
//	    Token:  token,
//	    Device: dev,
//	    Client: protocol.ClientInfo{ID: "backend", Version: "1.0", Platform: "linux", Mode: "backend"},
//	    Role:   protocol.RoleOperator,
//	})
//
// # Runs
//
// StartAgent returns after the accepted response. The final response for the
// same request id arrives later and resolves Run.Wait:
//
//	run, _ := c.StartAgent(ctx, protocol.AgentParams{Message: "hi", IdempotencyKey: "k1"})
//	for evt := range run.Events() {
//	    render(evt)
//	}
//	final, err := run.Wait(ctx)
//
// The final response is authoritative; events are for progressive display.
// Transcript concatenates text and markdown fragments and renders them to
// HTML.
//
// After a reconnect, Follow replays a run's stored events and streams the rest.
package client
