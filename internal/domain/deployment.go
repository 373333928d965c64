package domain

import (
	"time"
)

// Status enumerates the lifecycle of a deployment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusLive      Status = "live"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether a deployment status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusLive || s == StatusFailed || s == StatusAborted
}

// StageID names a pipeline phase.
type StageID string

const (
	StageRepoAccess         StageID = "repo_access"
	StageCodeAnalysis       StageID = "code_analysis"
	StageDockerfile         StageID = "dockerfile_generation"
	StageEnvConfig          StageID = "env_config"
	StageSecurityScan       StageID = "security_scan"
	StageContainerBuild     StageID = "container_build"
	StageCloudDeployment    StageID = "cloud_deployment"
	StageHealthVerification StageID = "health_verification"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []StageID{
	StageRepoAccess,
	StageCodeAnalysis,
	StageDockerfile,
	StageEnvConfig,
	StageSecurityScan,
	StageContainerBuild,
	StageCloudDeployment,
	StageHealthVerification,
}

var stageLabels = map[StageID]string{
	StageRepoAccess:         "Accessing repository",
	StageCodeAnalysis:       "Analyzing source code",
	StageDockerfile:         "Generating Dockerfile",
	StageEnvConfig:          "Configuring environment",
	StageSecurityScan:       "Scanning for secrets",
	StageContainerBuild:     "Building container image",
	StageCloudDeployment:    "Deploying to cloud",
	StageHealthVerification: "Verifying service health",
}

// Label returns the human readable name for a stage.
func (id StageID) Label() string {
	if label, ok := stageLabels[id]; ok {
		return label
	}
	return string(id)
}

// StageStatus enumerates the lifecycle of a single stage.
type StageStatus string

const (
	StageWaiting    StageStatus = "waiting"
	StageInProgress StageStatus = "in_progress"
	StageSuccess    StageStatus = "success"
	StageError      StageStatus = "error"
)

// Terminal reports whether a stage status locks further transitions.
func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageError
}

// StageState captures the durable state of one pipeline stage.
type StageState struct {
	ID         StageID     `json:"id"`
	Label      string      `json:"label"`
	Status     StageStatus `json:"status"`
	Progress   int         `json:"progress"`
	Message    string      `json:"message,omitempty"`
	Details    []string    `json:"details,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// DeploymentRecord is the durable state of one deployment identity.
// Identity is the record ID; Owner+ServiceName form the alternate key used
// for idempotent pipeline invocation.
type DeploymentRecord struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	ServiceName  string            `json:"service_name"`
	RepoRef      string            `json:"repo_ref"`
	Region       string            `json:"region,omitempty"`
	Status       Status            `json:"status"`
	EnvVars      map[string]string `json:"env_vars,omitempty"`
	Stages       []StageState      `json:"stages"`
	BuildLogs    []string          `json:"build_logs,omitempty"`
	ServiceURL   string            `json:"service_url,omitempty"`
	ImageRef     string            `json:"image_ref,omitempty"`
	Analysis     *Analysis         `json:"analysis,omitempty"`
	AnalyzedAt   *time.Time        `json:"analyzed_at,omitempty"`
	ProjectPath  string            `json:"project_path,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastDeployed *time.Time        `json:"last_deployed,omitempty"`
}

// NewStages returns the full stage list in waiting state.
func NewStages() []StageState {
	stages := make([]StageState, 0, len(StageOrder))
	for _, id := range StageOrder {
		stages = append(stages, StageState{
			ID:     id,
			Label:  id.Label(),
			Status: StageWaiting,
		})
	}
	return stages
}

// Stage returns a pointer to the named stage state, or nil when absent.
func (r *DeploymentRecord) Stage(id StageID) *StageState {
	for i := range r.Stages {
		if r.Stages[i].ID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// StageSucceeded reports whether the named stage completed successfully.
func (r *DeploymentRecord) StageSucceeded(id StageID) bool {
	stage := r.Stage(id)
	return stage != nil && stage.Status == StageSuccess
}

// Clone returns a deep copy so callers never share mutable slices or maps.
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Stages = make([]StageState, len(r.Stages))
	copy(out.Stages, r.Stages)
	for i := range out.Stages {
		if len(r.Stages[i].Details) > 0 {
			out.Stages[i].Details = append([]string(nil), r.Stages[i].Details...)
		}
	}
	if len(r.BuildLogs) > 0 {
		out.BuildLogs = append([]string(nil), r.BuildLogs...)
	}
	if r.EnvVars != nil {
		out.EnvVars = make(map[string]string, len(r.EnvVars))
		for k, v := range r.EnvVars {
			out.EnvVars[k] = v
		}
	}
	if r.Analysis != nil {
		a := *r.Analysis
		if len(r.Analysis.DetectedSecretKeys) > 0 {
			a.DetectedSecretKeys = append([]string(nil), r.Analysis.DetectedSecretKeys...)
		}
		out.Analysis = &a
	}
	if r.AnalyzedAt != nil {
		t := *r.AnalyzedAt
		out.AnalyzedAt = &t
	}
	if r.LastDeployed != nil {
		t := *r.LastDeployed
		out.LastDeployed = &t
	}
	return &out
}
