// Package setup loads and validates the governor's configuration. It is a
// collection of startup scripts and constants, and is therefore the only
// package that is allowed to call a global logger.
package setup
