// Package fleet is a Go client for the fleet operator API served by fleetd.
// It reuses the daemon's wire types so callers decode agents, decisions and
// cycles exactly as the server encodes them.
package fleet
