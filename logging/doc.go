// Package logging provides a minimal logging interface and adapters for Town Hall.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the runner, flows and agents use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
