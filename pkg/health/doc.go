// Package health provides pluggable liveness checkers and a
// consecutive-failure/success Status tracker, used by pkg/aggregator to
// decide whether a discovered broker node is reachable without treating
// a single failed request as authoritative.
//
// A Checker performs one check and returns a Result; Status accumulates
// Results over time and only flips Healthy after Config.Retries
// consecutive failures (or the first success), so a node recovering from
// a blip is not flapped in and out of the fleet view on every poll.
package health
