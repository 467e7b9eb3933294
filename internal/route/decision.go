// Package route turns a routing decision into per-target dispatch tasks and
// aggregates their outcomes under the decision's fanout, join, and abort
// policies.
package route

// Fanout modes.
const (
	FanoutSequential = "sequential"
	FanoutParallel   = "parallel"
)

// Join policy kinds.
const (
	JoinAll          = "all"
	JoinFirstSuccess = "first_success"
	JoinQuorum       = "quorum"
)

// Abort policy kinds.
const (
	AbortStopOnFirstError = "stop_on_first_error"
	AbortContinue         = "continue"
	AbortThreshold        = "threshold"
)

// Provenance of a decision.
const (
	SourceTriage     = "triage"
	SourceClassifier = "classifier"
	SourceFallback   = "fallback"
)

// Target is one butler destination with its prompt.
type Target struct {
	Butler        string  `json:"butler"`
	Prompt        string  `json:"prompt"`
	PromptVersion string  `json:"prompt_version"`
	Confidence    float64 `json:"confidence"`
}

// JoinPolicy decides when a fanout counts as done.
type JoinPolicy struct {
	Kind string `json:"kind"`
	K    int    `json:"k,omitempty"` // quorum size
}

// AbortPolicy decides when remaining targets are abandoned.
type AbortPolicy struct {
	Kind string `json:"kind"`
	K    int    `json:"k,omitempty"` // failure threshold
}

// Decision is the ephemeral routing plan for one request.
type Decision struct {
	Targets     []Target    `json:"targets"`
	FanoutMode  string      `json:"fanout_mode"`
	JoinPolicy  JoinPolicy  `json:"join_policy"`
	AbortPolicy AbortPolicy `json:"abort_policy"`
	ParseSource string      `json:"parse_source"`
}

// SingleTarget builds the common one-butler decision.
func SingleTarget(butler, prompt, promptVersion, parseSource string) *Decision {
	return &Decision{
		Targets:     []Target{{Butler: butler, Prompt: prompt, PromptVersion: promptVersion, Confidence: 1.0}},
		FanoutMode:  FanoutSequential,
		JoinPolicy:  JoinPolicy{Kind: JoinAll},
		AbortPolicy: AbortPolicy{Kind: AbortStopOnFirstError},
		ParseSource: parseSource,
	}
}

// Normalize fills policy defaults so downstream code never sees empty kinds.
func (d *Decision) Normalize() {
	if d.FanoutMode == "" {
		d.FanoutMode = FanoutSequential
	}
	if d.JoinPolicy.Kind == "" {
		d.JoinPolicy.Kind = JoinAll
	}
	if d.AbortPolicy.Kind == "" {
		d.AbortPolicy.Kind = AbortStopOnFirstError
	}
}

// Valid reports whether the decision can be executed at all.
func (d *Decision) Valid() bool {
	if len(d.Targets) == 0 {
		return false
	}
	if d.JoinPolicy.Kind == JoinQuorum && (d.JoinPolicy.K < 1 || d.JoinPolicy.K > len(d.Targets)) {
		return false
	}
	return true
}
