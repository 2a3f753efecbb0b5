package model

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the category of a pipeline action recorded in the audit log.
type Operation string

const (
	OpImport    Operation = "Import"
	OpAnonymize Operation = "Anonymize"
	OpLoad      Operation = "Load"
	OpSaveMask  Operation = "SaveMask"
)

// AuditEntry is an append-only record of one pipeline operation.
// Source of truth. Never mutated or deleted.
type AuditEntry struct {
	// SequenceID is assigned by the audit log, monotonic per process.
	SequenceID uint64

	// BatchID groups entries emitted by the same batch operation.
	BatchID uuid.UUID

	TimestampUTC time.Time
	Operation    Operation

	// Resource is the ImageRef string or path the operation acted on.
	Resource string

	// Outcome is "ok", "error", or a batch summary such as "42/50".
	Outcome string

	// Detail carries operation-specific context (profile name, byte counts).
	Detail string
}

// AnonymizerProfile selects a fixed redaction policy. Stateless and
// reusable across calls.
type AnonymizerProfile struct {
	// Name is "basic", "enhanced", or "custom".
	Name string

	// ExtraTags lists additional tags to redact, as "GGGG,EEEE" hex pairs.
	// Only consulted for custom profiles.
	ExtraTags []string
}
