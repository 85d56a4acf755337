package extract

import (
	"encoding/json"

	"github.com/pitabwire/casedesk/model"
)

var stepChain = Chain[[]model.Step]{
	func(payload any) ([]model.Step, bool) {
		app, ok := payload.(model.Application)
		if !ok || len(app.StepHistory) == 0 {
			return nil, false
		}
		return app.StepHistory, true
	},
	agentDataSteps("stepHistory"),
	agentDataSteps("ui_visualization"),
}

// Steps returns the step list of an application. The top-level step history
// wins; older records keep it under agentData, sometimes as a JSON string, or
// only carry the visualisation list.
func Steps(app model.Application) []model.Step {
	steps := stepChain.Extract(app, nil)
	if len(steps) == 0 {
		return nil
	}
	out := make([]model.Step, len(steps))
	copy(out, steps)
	return out
}

func agentDataSteps(key string) Extractor[[]model.Step] {
	return func(payload any) ([]model.Step, bool) {
		app, ok := payload.(model.Application)
		if !ok || app.AgentData == nil {
			return nil, false
		}
		raw, ok := ListAt(key)(app.AgentData)
		if !ok {
			return nil, false
		}
		steps := DecodeSteps(raw)
		return steps, len(steps) > 0
	}
}

// DecodeSteps converts loosely typed step objects into steps. Entries that
// cannot be decoded are skipped.
func DecodeSteps(raw []any) []model.Step {
	steps := make([]model.Step, 0, len(raw))
	for _, item := range raw {
		if _, ok := item.(map[string]any); !ok {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var s model.Step
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		steps = append(steps, s)
	}
	return steps
}
