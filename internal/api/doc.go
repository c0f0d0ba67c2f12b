// Package api exposes the operator REST surface of the fleet: agent
// lifecycle, vault recall and distribution, mission updates, the event log,
// and the Prometheus scrape endpoint.
package api
