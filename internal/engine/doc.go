// Package engine defines the contract that pluggable processing engines implement
// and the registry that resolves an engine by the name a process routes to.
// Engines perform the actual work out of core and report progress back as
// execution steps through a Reporter.
package engine
