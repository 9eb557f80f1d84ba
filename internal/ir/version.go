package ir

// Version constants for records and the execution engine.
const (
	// SchemaVersion is the version of the persisted provenance schema.
	SchemaVersion = "1"

	// EngineVersion is the peagen engine version.
	EngineVersion = "0.1.0"
)
