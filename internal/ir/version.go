package ir

// Version constants for the IR schema and the compiler.
const (
	// Version is the IR schema version.
	Version = "1"

	// CompilerVersion is the Loom compiler version.
	CompilerVersion = "0.1.0"
)
