// internal/api/context_keys.go
package api

// Context key types to avoid collisions
type contextKey string

const ownerIDKey contextKey = "owner_id"
