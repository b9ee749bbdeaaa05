// Package routing resolves a message to its destination set.
//
// A Decision runs through: routing-key derivation, lazy rule creation with
// per-kind defaults, candidate enumeration, a strategy pass (direct /
// broadcast / content-based / conditional) and a load-balancing pass
// (round-robin / weighted / least-connections / priority). Target and
// strategy performance feed back into later decisions; the StrategyManager
// fails over to backup strategies when the active one goes unhealthy.
package routing
