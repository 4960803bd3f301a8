// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments. Authorization codes and pending
// authorizations expire via key TTLs, and the single-use code contract is
// enforced server-side with a Lua script so that exactly one concurrent
// exchange can win.
package valkey
