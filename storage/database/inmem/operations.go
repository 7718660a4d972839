package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/alama/core/csvtask"
)

type operationRepository struct {
	db *DB
}

func NewOperationRepository(db *DB) csvtask.OperationRepository {
	return &operationRepository{db: db}
}

func (repo *operationRepository) CreateOperation(ctx context.Context, op csvtask.Operation) (csvtask.Operation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	op.ID = repo.db.nextPK()
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	repo.db.operations[op.ID] = op
	repo.db.opOrder = append(repo.db.opOrder, op.ID)
	return op, nil
}

func (repo *operationRepository) UpdateOperation(ctx context.Context, op csvtask.Operation) (csvtask.Operation, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	existing, ok := repo.db.operations[op.ID]
	if !ok {
		return csvtask.Operation{}, csvtask.ErrOperationNotFound
	}

	// kind, unique_id and user_id are fixed at creation
	existing.Operation = op.Operation
	existing.OriginalFilename = op.OriginalFilename
	existing.TotalRows = op.TotalRows
	existing.ProcessedRows = op.ProcessedRows
	existing.SavedRows = op.SavedRows
	existing.Committed = op.Committed
	existing.UpdatedAt = time.Now().UTC()

	repo.db.operations[op.ID] = existing
	return existing, nil
}

func (repo *operationRepository) GetOperationByID(ctx context.Context, id string) (csvtask.Operation, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if op, ok := repo.db.operations[id]; ok {
		return op, nil
	}
	return csvtask.Operation{}, csvtask.ErrOperationNotFound
}

func (repo *operationRepository) CommittedOperations(ctx context.Context, kind, uniqueID string) ([]csvtask.OperationLog, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	logs := make([]csvtask.OperationLog, 0)
	for _, id := range repo.db.opOrder {
		op := repo.db.operations[id]
		if op.Kind != kind || op.UniqueID != uniqueID || !op.Committed {
			continue
		}
		var username string
		if usr, ok := repo.db.users[op.UserID]; ok {
			username = usr.Username
		}
		logs = append(logs, op.Log(username))
	}

	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
	return logs, nil
}
