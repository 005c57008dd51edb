// Package config loads idhub configuration from defaults, an optional YAML
// file and environment variables.
//
// Precedence, lowest first: built-in defaults, the file named by
// IDHUB_CONFIG_FILE, then IDHUB_* variables.
//
//	IDHUB_PORT="8080"
//	IDHUB_BASE_URL="https://idp.example.com"
//	IDHUB_DB_DRIVER="postgres"           # postgres, sqlite3, memory
//	IDHUB_DB_URL="postgres://..."
//	IDHUB_REDIS_ENABLED="true"           # cross-replica cache invalidation
//	IDHUB_SECRETS_KEY="<base64 32 bytes>" # seals client secrets at rest
//	IDHUB_STATE_SIGNING_KEY="<base64>"
//	IDHUB_ALLOWED_RETURN_URLS="https://idp.example.com/connect/authorize/callback"
//	IDHUB_METADATA_REFRESH="@every 1h"
package config
