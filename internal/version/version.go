// Package version carries the module version stamped into binaries.
package version

// Current is the semantic version of this module, without a "v" prefix.
const Current = "0.1.0"
