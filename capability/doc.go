// Package capability provides the registry of pluggable agent
// implementations and the built-in model-backed capabilities
// (worldbuilder, interpreter, narrator).
package capability
