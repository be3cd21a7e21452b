package ir

// Version constants for persisted artifacts and the pipeline.
const (
	// SchemaVersion is the artifact schema version.
	SchemaVersion = "1"

	// EngineVersion is the VGOmini pipeline version.
	EngineVersion = "0.3.0"

	// Tier0Version is stamped into every Tier0Root.
	Tier0Version = "tier0/v1"
)
