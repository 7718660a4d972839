package sqlxrepos

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/alama/core"
	"github.com/trezcool/alama/core/csvtask"
)

type operationRepository struct {
	exec core.DBExecutor
}

var _ csvtask.OperationRepository = (*operationRepository)(nil) // interface compliance check

func NewOperationRepository(exec core.DBExecutor) *operationRepository {
	return &operationRepository{exec: exec}
}

const operationColumns = `id, kind, unique_id, user_id, operation, original_filename, total_rows, processed_rows, saved_rows, committed, created_at, updated_at`

func (repo operationRepository) CreateOperation(ctx context.Context, op csvtask.Operation) (csvtask.Operation, error) {
	op.ID = uuid.New().String()

	q := `
INSERT INTO csv_operation (id, kind, unique_id, user_id, operation, original_filename, total_rows, processed_rows, saved_rows, committed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + operationColumns

	var saved csvtask.Operation
	err := repo.exec.GetContext(ctx, &saved, q,
		op.ID, op.Kind, op.UniqueID, op.UserID, op.Operation, op.OriginalFilename,
		op.TotalRows, op.ProcessedRows, op.SavedRows, op.Committed)
	if err != nil {
		return csvtask.Operation{}, errors.Wrap(err, "inserting operation")
	}
	return saved, nil
}

func (repo operationRepository) UpdateOperation(ctx context.Context, op csvtask.Operation) (csvtask.Operation, error) {
	// kind, unique_id and user_id are fixed at creation
	q := `
UPDATE csv_operation
SET operation         = $2,
    original_filename = $3,
    total_rows        = $4,
    processed_rows    = $5,
    saved_rows        = $6,
    committed         = $7,
    updated_at        = (now() AT TIME ZONE 'utc')
WHERE id = $1
RETURNING ` + operationColumns

	var saved csvtask.Operation
	err := repo.exec.GetContext(ctx, &saved, q,
		op.ID, op.Operation, op.OriginalFilename, op.TotalRows, op.ProcessedRows, op.SavedRows, op.Committed)
	if err != nil {
		return csvtask.Operation{}, trapNoRowsErr(err, csvtask.ErrOperationNotFound, "updating operation")
	}
	return saved, nil
}

func (repo operationRepository) GetOperationByID(ctx context.Context, id string) (csvtask.Operation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return csvtask.Operation{}, csvtask.ErrOperationNotFound
	}

	var op csvtask.Operation
	err := repo.exec.GetContext(ctx, &op, `SELECT `+operationColumns+` FROM csv_operation WHERE id = $1`, id)
	if err != nil {
		return csvtask.Operation{}, trapNoRowsErr(err, csvtask.ErrOperationNotFound, "finding operation by ID")
	}
	return op, nil
}

func (repo operationRepository) CommittedOperations(ctx context.Context, kind, uniqueID string) ([]csvtask.OperationLog, error) {
	q := `
SELECT o.id, o.kind, o.unique_id, o.user_id, o.operation, o.original_filename,
       o.total_rows, o.processed_rows, o.saved_rows, o.committed, o.created_at, o.updated_at,
       COALESCE(u.username, '') AS username
FROM csv_operation o
         LEFT JOIN "user" u ON u.id = o.user_id
WHERE o.kind = $1
  AND o.unique_id = $2
  AND o.committed
ORDER BY o.updated_at`

	var rows []struct {
		csvtask.Operation
		Username string `db:"username"`
	}
	if err := repo.exec.SelectContext(ctx, &rows, q, kind, uniqueID); err != nil {
		return nil, errors.Wrap(err, "querying operation history")
	}

	logs := make([]csvtask.OperationLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, row.Operation.Log(row.Username))
	}
	return logs, nil
}
