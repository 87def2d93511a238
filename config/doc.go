// Package config loads the stratcon-iep configuration.
//
// Configuration is JSON with comments and trailing commas allowed. Layers
// are merged over the built-in defaults in the order they are added, then
// STRATCON_* environment variables override individual fields:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/stratcon/iep.jsonc")
//	loader.AddLayer("/etc/stratcon/site.jsonc") // overrides the first
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Durations accept Go duration strings ("1500ms", "5s") or integer
// milliseconds.
//
// # Environment
//
//	STRATCON_LOG_LEVEL, STRATCON_LOG_FORMAT
//	STRATCON_BROKER_KIND, STRATCON_BROKER_ENDPOINTS (comma separated)
//	STRATCON_BROKER_USERNAME, STRATCON_BROKER_PASSWORD
//	STRATCON_STATEMENTS_FILE, STRATCON_STATEMENTS_BUCKET
//	STRATCON_ALERTS_POLICY, STRATCON_METRICS_ADDR
package config
