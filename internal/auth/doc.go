// Package auth guards the operator API. It verifies static API keys or
// HS256 operator tokens and maps HTTP methods to fleet permissions.
package auth
