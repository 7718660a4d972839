package csvtask

import (
	"context"
	"encoding/json"
)

type (
	// Row is a single CSV record keyed by column header.
	Row map[string]string

	// Staged is a unit of work produced by preprocessing a row. Concrete
	// types must round-trip through JSON so deferred commits can be
	// rebuilt from an operation snapshot.
	Staged interface{}

	// Processor defines one kind of staged CSV operation. Implementations
	// own the column layout, row validation and the actual effect of a
	// committed unit; Runner owns the upload/stage/commit/export plumbing.
	Processor interface {
		// Kind names the processor, e.g. "grade" or "score". It is recorded
		// on operations and drives snapshot reloading.
		Kind() string

		// UniqueID scopes operation history, e.g. a course or block ID.
		UniqueID() string

		// Operator is the ID of the acting user, recorded on operations.
		Operator() string

		// Columns returns the export header. It is also used to order
		// result rows written back after a commit.
		Columns() ([]string, error)

		// RequiredColumns lists headers an uploaded file must contain.
		RequiredColumns() []string

		// ValidateRow rejects rows that cannot possibly be processed.
		ValidateRow(row Row) error

		// PreprocessRow turns a row into a staged unit. rownum is the
		// 1-based data row number, available for cross-row bookkeeping.
		// Returning a nil unit with a nil error skips the row ("No Action").
		PreprocessRow(rownum int, row Row) (Staged, error)

		// ProcessRow applies one staged unit.
		ProcessRow(ctx context.Context, unit Staged) error

		// ExportRows pushes the current data set row by row.
		ExportRows(ctx context.Context, push func(Row) error) error
	}

	// StagedDecoder rebuilds typed staged units out of a snapshot. Processors
	// that do not implement it get their units back as generic JSON values.
	StagedDecoder interface {
		DecodeStaged(data json.RawMessage) (Staged, error)
	}

	// Committer is implemented by processors that need to run once after a
	// commit has applied at least one unit.
	Committer interface {
		Committed(ctx context.Context) error
	}

	// Configurer is implemented by processors whose construction depends on
	// upload-time state (filters, overridable limits and the like). The
	// returned document is stored on the operation snapshot and handed back
	// to the BuildFunc on reload.
	Configurer interface {
		Configure() (json.RawMessage, error)
	}

	// ResultsFilter narrows the columns of a results download. It receives
	// the uploaded header and the saved result rows and returns the headers
	// to keep; the status and error columns are always appended.
	ResultsFilter interface {
		FilterResultColumns(header []string, results []Row) []string
	}
)
