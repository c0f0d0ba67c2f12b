// Package redis serves the shared directive hash from Redis. Operators edit
// the hash with any Redis client; every agent cycle reads the latest version
// through DirectiveSource.
package redis
