// Package nonce issues single-use, time-bounded challenge values.
//
// A Registry hands out random nonces and lets each one be consumed exactly
// once within its TTL:
//
//	reg := nonce.New(30*time.Second, 100_000)
//	defer reg.Close()
//
//	n, _ := reg.Issue()
//	reg.Consume(n) // true
//	reg.Consume(n) // false
//
// Consumption is fail-closed: once Consume succeeds the nonce is dead even if
// the caller's later checks reject the request it arrived with. Unknown,
// already-consumed and expired nonces all fail. When the registry is full the
// oldest outstanding nonce is evicted, which also makes it fail.
package nonce
