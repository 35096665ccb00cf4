package lake

import "errors"

// Error taxonomy for the table store and catalog. Callers match with
// errors.Is; transient commit races are retried internally before
// ErrCommitConflict surfaces.
var (
	// ErrTableNotFound indicates an unknown table name.
	ErrTableNotFound = errors.New("table not found")

	// ErrTableExists indicates a create on an already-initialized table.
	ErrTableExists = errors.New("table already exists")

	// ErrSchemaConflict indicates an incompatible column retype.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrCommitConflict indicates the version race retries were exhausted.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrLockTimeout indicates the table lease could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrVersionNotFound indicates a vacuumed or never-existing version.
	ErrVersionNotFound = errors.New("version not found")

	// ErrBadTableKind indicates a table producer violated its contract.
	ErrBadTableKind = errors.New("table producer returned unsupported value")
)
