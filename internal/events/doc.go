// Package events implements the bounded audit log shared by every agent in
// the fleet. Events are kept in a fixed-capacity ring buffer and fanned out to
// subscribers in publish order without ever blocking the publisher.
package events
