package pipeline

import (
	"context"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/poller"
)

// Analyzer detects language, framework and runtime traits of a project.
// Detection heuristics themselves live behind this interface; the engine
// only consumes the contract.
type Analyzer interface {
	Analyze(ctx context.Context, projectRef string) (domain.Analysis, error)
}

// DockerfileRenderer produces Dockerfile content for an analyzed project.
// Template content is a collaborator concern.
type DockerfileRenderer interface {
	Render(analysis domain.Analysis) (string, error)
}

// BuildSpec carries everything the Builder needs beyond the source ref.
type BuildSpec struct {
	ImageTag   string
	Dockerfile string
	BuildArgs  map[string]string
}

// Builder starts a container image build and returns a pollable handle.
// The terminal snapshot carries the image ref on success or an error
// message plus log ref on failure.
type Builder interface {
	StartBuild(ctx context.Context, sourceRef string, spec BuildSpec) (poller.Operation, error)
}

// RuntimeConfig carries deploy-time settings.
type RuntimeConfig struct {
	ServiceName string
	Region      string
	Port        int
	EnvVars     map[string]string
}

// Deployer starts a service rollout and returns a pollable handle. The
// terminal snapshot carries the service URL on success.
type Deployer interface {
	StartDeploy(ctx context.Context, imageRef string, cfg RuntimeConfig) (poller.Operation, error)
}

// Advisor is the AI diagnosis collaborator for failed builds and deploys.
type Advisor interface {
	Diagnose(ctx context.Context, failureLogs []string, sourceContext string) (domain.Diagnosis, error)
}

// Targets names the candidate endpoints, in preference order, for each
// collaborator class. The advisor fallback is a distinct credential/vendor
// tried once after the ordered candidates exhaust.
type Targets struct {
	Git             []string
	Analyze         []string
	Build           []string
	Deploy          []string
	Advisor         []string
	AdvisorFallback string
}

// DefaultTargets is the single-endpoint wiring used when no failover
// topology is configured.
func DefaultTargets() Targets {
	return Targets{
		Git:     []string{"git-primary"},
		Analyze: []string{"analyzer-primary"},
		Build:   []string{"builder-primary"},
		Deploy:  []string{"deployer-primary"},
		Advisor: []string{"advisor-primary"},
	}
}
