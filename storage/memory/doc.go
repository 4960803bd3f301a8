// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; multi-instance deployments should use the valkey package.
package memory
