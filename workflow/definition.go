package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Stage names used by the built-in workflow types.
const (
	StageInitialization = "initialization"
	StageScaffolding    = "scaffolding"
	StageValidation     = "validation"
	StageE2ETesting     = "e2e_testing"
	StageIntegration    = "integration"
	StageDeployment     = "deployment"
)

// Built-in workflow types.
const (
	TypeApp     = "app"
	TypeBugfix  = "bugfix"
	TypeFeature = "feature"
)

// StageAgents is the static stage to agent-type table.
var StageAgents = map[string]string{
	StageInitialization: "scaffold",
	StageScaffolding:    "scaffold",
	StageValidation:     "validator",
	StageE2ETesting:     "e2e",
	StageIntegration:    "integrator",
	StageDeployment:     "deployer",
}

// Per-stage execution defaults.
var stageTimeoutMS = map[string]int64{
	StageInitialization: 60_000,
	StageScaffolding:    300_000,
	StageValidation:     300_000,
	StageE2ETesting:     600_000,
	StageIntegration:    300_000,
	StageDeployment:     600_000,
}

const (
	defaultStageTimeoutMS  = 300_000
	defaultStageMaxRetries = 2
)

// Stage is one step of a workflow type.
type Stage struct {
	Name      string
	AgentType string
	// ContinueOnFailure makes STAGE_FAILED record an error-flagged output
	// and advance instead of failing the workflow.
	ContinueOnFailure bool
	TimeoutMS         int64
	MaxRetries        int
}

// Definition is the fixed, ordered stage list of a workflow type.
type Definition struct {
	Type   string
	Stages []Stage
}

// Index returns the position of stage, or -1.
func (d Definition) Index(stage string) int {
	for i, s := range d.Stages {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

// Stage returns the named stage.
func (d Definition) Stage(name string) (Stage, bool) {
	if i := d.Index(name); i >= 0 {
		return d.Stages[i], true
	}
	return Stage{}, false
}

// First returns the first stage.
func (d Definition) First() Stage {
	return d.Stages[0]
}

// FirstPending returns the index of the first stage without an entry in
// outputs, or -1 when every stage has one.
func (d Definition) FirstPending(outputs map[string]json.RawMessage) int {
	for i, s := range d.Stages {
		if _, done := outputs[s.Name]; !done {
			return i
		}
	}
	return -1
}

// Next returns the stage after name, or false if name is the last stage.
func (d Definition) Next(name string) (Stage, bool) {
	i := d.Index(name)
	if i < 0 || i+1 >= len(d.Stages) {
		return Stage{}, false
	}
	return d.Stages[i+1], true
}

// Progress returns the percentage of stages done once completed stages
// have finished.
func (d Definition) Progress(completed int) int {
	if len(d.Stages) == 0 {
		return 0
	}
	return completed * 100 / len(d.Stages)
}

// Validate checks the stage list.
func (d Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow type %s: at least one stage is required", d.Type)
	}
	seen := make(map[string]bool, len(d.Stages))
	for i, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("workflow type %s: stage %d has no name", d.Type, i)
		}
		if s.AgentType == "" {
			return fmt.Errorf("workflow type %s: stage %s has no agent type", d.Type, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow type %s: duplicate stage %s", d.Type, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// NewStage builds a stage with the default agent type and limits for name.
func NewStage(name string) Stage {
	timeout, ok := stageTimeoutMS[name]
	if !ok {
		timeout = defaultStageTimeoutMS
	}
	return Stage{
		Name:       name,
		AgentType:  StageAgents[name],
		TimeoutMS:  timeout,
		MaxRetries: defaultStageMaxRetries,
	}
}

// Definitions maps workflow type to its definition. It is built once at
// startup and read-only afterwards.
type Definitions map[string]Definition

// DefaultDefinitions returns the built-in workflow types.
func DefaultDefinitions() Definitions {
	e2e := NewStage(StageE2ETesting)
	e2e.ContinueOnFailure = true

	return Definitions{
		TypeApp: {
			Type: TypeApp,
			Stages: []Stage{
				NewStage(StageInitialization),
				NewStage(StageScaffolding),
				NewStage(StageValidation),
				NewStage(StageE2ETesting),
				NewStage(StageIntegration),
				NewStage(StageDeployment),
			},
		},
		TypeBugfix: {
			Type: TypeBugfix,
			Stages: []Stage{
				NewStage(StageValidation),
				NewStage(StageE2ETesting),
				NewStage(StageDeployment),
			},
		},
		TypeFeature: {
			Type: TypeFeature,
			Stages: []Stage{
				NewStage(StageScaffolding),
				NewStage(StageValidation),
				e2e,
				NewStage(StageIntegration),
			},
		},
	}
}

// Lookup returns the definition for workflowType.
func (d Definitions) Lookup(workflowType string) (Definition, error) {
	def, ok := d[workflowType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownType, workflowType)
	}
	return def, nil
}

// Set validates def and adds or replaces it.
func (d Definitions) Set(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	d[def.Type] = def
	return nil
}

// Types returns the known workflow types, sorted.
func (d Definitions) Types() []string {
	types := make([]string, 0, len(d))
	for t := range d {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
