// Package notifier delivers rendered reminder texts to users over the chat transport.
//
// Delivery is synchronous: the caller owns retries and timeouts. The notifier applies a shared
// token bucket so bursts of due reminders stay under the platform's send limits, and maps
// transport failures onto the task engine's retry controls:
//
//   - a recipient that can never receive messages is not retried
//   - a platform rate limit becomes a retry hint with the platform's delay
//
// The notifier also forwards operator alerts from the logger, suppressing repeats inside a
// dedup window.
package notifier
