package domain

import "time"

// Outcome tags the terminal result variants of a pipeline run.
type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeFailed             Outcome = "failed"
	OutcomeAborted            Outcome = "aborted"
	OutcomeNeedsConfiguration Outcome = "needs_configuration"
)

// Result is the tagged terminal result of PipelineOrchestrator.Execute.
// Exactly one of the optional fields is populated per outcome: URL on
// success, Category/Diagnosis on failure, MissingKeys on the configuration
// checkpoint.
type Result struct {
	DeploymentID string
	Outcome      Outcome
	URL          string
	Category     ErrorCategory
	Err          error
	Diagnosis    *Diagnosis
	MissingKeys  []string
}

// Analysis is the Analyzer collaborator output cached on the record.
// Confidence of 1.0 or more is ground truth and never overridden by a later
// re-analysis.
type Analysis struct {
	Language           string   `json:"language"`
	Framework          string   `json:"framework,omitempty"`
	Confidence         float64  `json:"confidence"`
	Port               int      `json:"port,omitempty"`
	EntryPoint         string   `json:"entry_point,omitempty"`
	DetectedSecretKeys []string `json:"detected_secret_keys,omitempty"`
}

// LowConfidence reports whether the analysis is too weak to trust for
// cache invalidation decisions.
func (a Analysis) LowConfidence() bool {
	return a.Confidence < 0.5
}

// Diagnosis is the Advisor collaborator output for a failed build or deploy.
type Diagnosis struct {
	RootCause     string   `json:"root_cause"`
	AffectedFiles []string `json:"affected_files,omitempty"`
	Confidence    int      `json:"confidence"`
	SuggestedFix  string   `json:"suggested_fix,omitempty"`
	// AutoApply marks a fix confident enough to offer for automatic
	// application.
	AutoApply bool `json:"auto_apply"`
}

// HasFix reports whether the diagnosis carries an actionable fix.
func (d *Diagnosis) HasFix() bool {
	return d != nil && d.SuggestedFix != ""
}

// StageEvent is the notification payload fanned out to listeners.
type StageEvent struct {
	DeploymentID string      `json:"deployment_id"`
	Stage        StageID     `json:"stage"`
	Status       StageStatus `json:"status"`
	Progress     int         `json:"progress"`
	Message      string      `json:"message,omitempty"`
	Details      []string    `json:"details,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}
