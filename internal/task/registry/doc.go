// Package registry is the in-memory index of armed reminder jobs.
//
// The registry is a derived cache: it owns no authoritative state and can be dropped and rebuilt
// from the record store at any time. Jobs live in a min-heap ordered by fire time; a single wake
// loop sleeps until the earliest one. PopDue claims due jobs atomically, so a cancel or rekey
// either happens before the claim (and wins) or after it (and finds nothing to change).
package registry
