// Package common provides common utilities shared across the engine's
// process entry points.
package common

// MaskSecret masks sensitive strings for safe logging: shows the first
// and last 4 characters for strings longer than 8 chars, "***" for
// short ones, and "<not set>" for empty ones. Used when logging the
// loaded AMQP/Redis connection URLs at startup so credentials embedded
// in the URL's userinfo never land in plaintext logs.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
