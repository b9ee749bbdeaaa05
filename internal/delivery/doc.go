// Package delivery implements the reliable-push core: per-kind retry
// policies, the in-flight delivery tracker with ack/timeout/retry state
// transitions, and the sender worker pool that hands messages to the
// transport without blocking callers.
package delivery
