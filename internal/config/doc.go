// Package config loads the fleetd JSON configuration, fills in defaults
// relative to the config file location and rejects malformed values before
// any agent starts.
package config
