package worker

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task types handled by the import worker.
const (
	TypeImportProcess = "import:process"
	TypeImportCommit  = "import:commit"
)

type ImportTaskPayload struct {
	BatchID         string `json:"batch_id"`
	EstablishmentID string `json:"establishment_id"`
}

func NewProcessTask(batchID, establishmentID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ImportTaskPayload{BatchID: batchID, EstablishmentID: establishmentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeImportProcess, payload), nil
}

func NewCommitTask(batchID, establishmentID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ImportTaskPayload{BatchID: batchID, EstablishmentID: establishmentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeImportCommit, payload), nil
}
