package grades

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
	"github.com/trezcool/alama/core/enroll"
)

// Operation kinds recorded on csvtask operations.
const (
	KindScore        = "score"
	KindGrade        = "grade"
	KindIntervention = "intervention"
)

// ProcessorDeps carries the services every processor draws on.
type ProcessorDeps struct {
	Enroll    enroll.Service
	Scores    Service
	Gradebook Gradebook
	Analytics Analytics
}

// NewBuildFunc returns the csvtask build hook covering every processor
// kind, used to reopen saved operations.
func NewBuildFunc(deps ProcessorDeps) csvtask.BuildFunc {
	return func(ctx context.Context, kind string, config json.RawMessage) (csvtask.Processor, error) {
		switch kind {
		case KindScore:
			var cfg ScoreConfig
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			return NewScoreProcessor(deps, cfg), nil
		case KindGrade:
			var cfg GradeConfig
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			return NewGradeProcessor(ctx, deps, cfg)
		case KindIntervention:
			var cfg InterventionConfig
			if err := decodeConfig(config, &cfg); err != nil {
				return nil, err
			}
			return NewInterventionProcessor(ctx, deps, cfg)
		}
		return nil, errors.Errorf("unknown operation kind %q", kind)
	}
}

func decodeConfig(config json.RawMessage, dst interface{}) error {
	if len(config) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(config, dst), "decoding processor config")
}
