package app

import (
	"context"
	"encoding/json"
	"fmt"

	"missiond/internal/config"
	"missiond/internal/pipeline"
)

// buildMission derives the default pipeline for a config-declared mission:
// one fetch action per endpoint, each committing the incremental-sync
// baseline only after its payload decoded cleanly. Programmatic missions can
// replace this via App.DefineMission.
func buildMission(name string, mc config.MissionConfig) pipeline.Mission {
	m := pipeline.Mission{Name: name, CheckpointEvery: mc.CheckpointEvery}
	var actions []pipeline.Action
	for _, ep := range mc.Endpoints {
		source, endpoint := mc.Source, ep
		actions = append(actions, pipeline.Action{
			Name: "fetch-" + endpoint,
			Run: func(ctx context.Context, f *pipeline.Flow) error {
				body, err := f.Fetch(ctx, source, endpoint)
				if err != nil {
					return err
				}
				n, err := countItems(body)
				if err != nil {
					return fmt.Errorf("decode %s/%s payload: %w", source, endpoint, err)
				}
				return f.CommitSync(ctx, source, endpoint, n)
			},
		})
	}
	if mc.Parallel && len(actions) > 1 {
		m.Stages = []pipeline.Stage{{Actions: actions, Parallel: true, FailFast: mc.FailFast}}
	} else {
		m.Stages = pipeline.Sequence(actions...)
	}
	return m
}

// countItems counts top-level items in a JSON payload: array length, or 1 for
// a single object, 0 for an empty body.
func countItems(body []byte) (int, error) {
	if len(body) == 0 {
		return 0, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err == nil {
		return len(arr), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return 0, err
	}
	return 1, nil
}
