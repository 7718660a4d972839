package csvtask

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrOperationNotFound = errors.New("operation not found")

// Operation states.
const (
	OpStage  = "stage"
	OpCommit = "commit"
)

type (
	// Operation is the persisted record of one staged CSV run. The heavy
	// artifacts (upload copy, snapshot, results) live in a FileStore under
	// the operation ID; the row keeps the counters the status API serves.
	Operation struct {
		ID               string    `json:"id" db:"id"`
		Kind             string    `json:"kind" db:"kind"`
		UniqueID         string    `json:"unique_id" db:"unique_id"`
		UserID           string    `json:"user_id" db:"user_id"`
		Operation        string    `json:"operation" db:"operation"`
		OriginalFilename string    `json:"original_filename" db:"original_filename"`
		TotalRows        int       `json:"total_rows" db:"total_rows"`
		ProcessedRows    int       `json:"processed_rows" db:"processed_rows"`
		SavedRows        int       `json:"saved_rows" db:"saved_rows"`
		Committed        bool      `json:"committed" db:"committed"`
		CreatedAt        time.Time `json:"created_at" db:"created_at"`
		UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
	}

	// OperationLog is the history entry exposed by the API.
	OperationLog struct {
		ID               string          `json:"id"`
		User             string          `json:"user"`
		Operation        string          `json:"operation"`
		Timestamp        time.Time       `json:"timestamp"`
		OriginalFilename string          `json:"original_filename"`
		Data             OperationCounts `json:"data"`
	}

	OperationCounts struct {
		Saved     int `json:"saved"`
		Total     int `json:"total"`
		Processed int `json:"processed"`
	}

	OperationRepository interface {
		CreateOperation(ctx context.Context, op Operation) (Operation, error)
		UpdateOperation(ctx context.Context, op Operation) (Operation, error)
		GetOperationByID(ctx context.Context, id string) (Operation, error)
		// CommittedOperations lists committed operations for a processor
		// kind and unique ID, most recent last.
		CommittedOperations(ctx context.Context, kind, uniqueID string) ([]OperationLog, error)
	}

	// FileStore persists operation artifacts. Names are slash-separated
	// paths relative to the store root.
	FileStore interface {
		Save(ctx context.Context, name string, r io.Reader) error
		Open(ctx context.Context, name string) (io.ReadCloser, error)
	}

	// Producer hands operation IDs to the background workers.
	Producer interface {
		Publish(ctx context.Context, id string) error
	}
)

// Log converts an operation row into its history form. The username is
// resolved by the caller; an empty name falls back to the raw user ID.
func (op Operation) Log(username string) OperationLog {
	if username == "" {
		username = op.UserID
	}
	return OperationLog{
		ID:               op.ID,
		User:             username,
		Operation:        op.Operation,
		Timestamp:        op.UpdatedAt,
		OriginalFilename: op.OriginalFilename,
		Data: OperationCounts{
			Saved:     op.SavedRows,
			Total:     op.TotalRows,
			Processed: op.ProcessedRows,
		},
	}
}
