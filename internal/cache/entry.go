package cache

import "time"

// Signature represents the last successful configure of a build directory
type Signature struct {
	// Fingerprint is the configuration fingerprint the build directory was configured with
	Fingerprint string `json:"fingerprint"`

	// Generator is the generator the build directory was configured with
	Generator string `json:"generator"`

	// SourceRoot is the absolute source tree the build directory belongs to
	SourceRoot string `json:"source_root"`

	// Timestamp when configure finished
	Timestamp time.Time `json:"timestamp"`
}

// RebuildRecord represents the last successful editable rebuild
type RebuildRecord struct {
	// Signal is the newest trigger-input modification time seen by the rebuild (Unix nanoseconds)
	Signal int64 `json:"signal"`

	// Fingerprint of the configuration used for the rebuild
	Fingerprint string `json:"fingerprint"`

	// Timestamp when the rebuild finished
	Timestamp time.Time `json:"timestamp"`
}
