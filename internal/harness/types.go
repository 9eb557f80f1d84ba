package harness

// StepTrace records the outcome of one scenario step.
type StepTrace struct {
	Step      int      `json:"step"`
	Action    string   `json:"action"`
	RunID     string   `json:"run_id,omitempty"`
	Status    string   `json:"status"`
	Start     int      `json:"start"`
	Position  int      `json:"position"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Blocked   []string `json:"blocked"`

	// Error is the error the engine returned, if any.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Order is the computed order of the scenario's graph.
	Order []string `json:"order"`

	// Trace holds one entry per executed step.
	Trace []StepTrace `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// canonical converts a trace entry to plain values for ir.MarshalCanonical.
func (s StepTrace) canonical() map[string]any {
	m := map[string]any{
		"step":      s.Step,
		"action":    s.Action,
		"status":    s.Status,
		"start":     s.Start,
		"position":  s.Position,
		"completed": nonNil(s.Completed),
		"failed":    nonNil(s.Failed),
		"blocked":   nonNil(s.Blocked),
	}
	if s.RunID != "" {
		m["run_id"] = s.RunID
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
