// Package config loads sandbox configuration from the environment.
//
// Values come from environment variables (kelseyhightower/envconfig)
// with defaults declared in struct tags. Permission sets may also be
// read from a profile file in YAML, TOML or JSONC:
//
//	SANDBOX_PERMISSION_PROFILE=/etc/sandbox/permissions.yaml
//
//	# permissions.yaml
//	host: [SEND_EVAL, SEND_CALL, SEND_ACCESS, RECEIVE_CALL, RECEIVE_ERROR]
//	worker: [RECEIVE_EVAL, RECEIVE_CALL, RECEIVE_ACCESS, SEND_CALL, SEND_ERROR]
package config
