// Package config handles configuration loading for agent-gateway.
//
// # Overview
//
// Configuration is loaded from YAML, or TOML when the file name ends in
// .toml, with environment variable expansion. Missing values get defaults and
// the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENT_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agent-gateway/gateway.yaml
//  3. ~/.config/agent-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${AGENT_GATEWAY_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	handshake:
//	  challenge_ttl: "30s"
//	runs:
//	  request_timeout: "1m"
//
// # Credentials
//
// At least one of auth.token, auth.token_hash or auth.jwt_secret must be set,
// unless auth.device_only is true. Devices listed under auth.devices may
// connect on their signature alone; any other device also needs a token:
//
//	auth:
//	  devices:
//	    3f1a9c...:
//	      role: "node"
//	      scopes: ["operator.read"]
package config
