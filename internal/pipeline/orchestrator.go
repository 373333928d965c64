// Package pipeline composes the deployment engine: a fixed multi-stage
// workflow with idempotent resumption, cancellation, and AI-assisted
// failure diagnosis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/invoke"
	"github.com/splax/launchpad/internal/limiter"
	"github.com/splax/launchpad/internal/metrics"
	"github.com/splax/launchpad/internal/poller"
	"github.com/splax/launchpad/internal/progress"
	"github.com/splax/launchpad/internal/store"
	"github.com/splax/launchpad/pkg/config"
)

// SourceFetcher materializes a repository into a local project path.
type SourceFetcher interface {
	Fetch(ctx context.Context, repoRef, deploymentID string) (string, error)
}

// Cleaner releases per-deployment resources best-effort after a failure.
type Cleaner interface {
	Cleanup(deploymentID string) error
}

// Request is the control surface input for one pipeline invocation.
type Request struct {
	Owner       string
	ServiceName string
	RepoRef     string
	Region      string
	EnvVars     map[string]string
	// ConfigConfirmed skips the EnvConfig checkpoint: the caller asserts the
	// environment is complete even if detected secret keys are unset.
	ConfigConfirmed bool
}

var serviceNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Orchestrator drives deployments through the fixed stage order. Each run
// is strictly sequential across stages; many runs execute concurrently.
type Orchestrator struct {
	repo     store.Repository
	fetcher  SourceFetcher
	analyzer Analyzer
	renderer DockerfileRenderer
	builder  Builder
	deployer Deployer
	advisor  Advisor
	cleaner  Cleaner

	invoker *invoke.Invoker
	poll    *poller.Poller
	targets Targets
	cfg     config.PipelineConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	extraListeners []progress.Listener
	healthClient   *http.Client
}

// Options wires an Orchestrator.
type Options struct {
	Repo     store.Repository
	Fetcher  SourceFetcher
	Analyzer Analyzer
	Renderer DockerfileRenderer
	Builder  Builder
	Deployer Deployer
	Advisor  Advisor
	Cleaner  Cleaner

	Invoker   *invoke.Invoker
	Poller    *poller.Poller
	Targets   Targets
	Config    config.PipelineConfig
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Listeners []progress.Listener
}

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Repo == nil {
		return nil, errors.New("pipeline: repository required")
	}
	if opts.Fetcher == nil || opts.Analyzer == nil || opts.Builder == nil || opts.Deployer == nil {
		return nil, errors.New("pipeline: fetcher, analyzer, builder and deployer are required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("pipeline: invoker required")
	}
	if opts.Poller == nil {
		return nil, errors.New("pipeline: poller required")
	}
	targets := opts.Targets
	if len(targets.Build) == 0 {
		targets = DefaultTargets()
	}
	return &Orchestrator{
		repo:           opts.Repo,
		fetcher:        opts.Fetcher,
		analyzer:       opts.Analyzer,
		renderer:       opts.Renderer,
		builder:        opts.Builder,
		deployer:       opts.Deployer,
		advisor:        opts.Advisor,
		cleaner:        opts.Cleaner,
		invoker:        opts.Invoker,
		poll:           opts.Poller,
		targets:        targets,
		cfg:            opts.Config,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		extraListeners: opts.Listeners,
		healthClient:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Execute runs the full pipeline for the request's identity. Invoking it
// twice with the same owner+service yields one DeploymentRecord; successful
// RepoAccess/CodeAnalysis results are reused when still fresh.
func (o *Orchestrator) Execute(ctx context.Context, req Request) domain.Result {
	if err := validateRequest(req); err != nil {
		return domain.Result{Outcome: domain.OutcomeFailed, Category: domain.CategoryOf(err), Err: err}
	}

	record, existed, err := o.repo.CreateOrGet(ctx, store.NewRecord(req.Owner, req.ServiceName, req.RepoRef, req.Region, req.EnvVars))
	if err != nil {
		return domain.Result{Outcome: domain.OutcomeFailed, Category: domain.CategoryInternal, Err: err}
	}
	if existed {
		if err := o.prepareResume(ctx, record, req); err != nil {
			return domain.Result{DeploymentID: record.ID, Outcome: domain.OutcomeFailed, Category: domain.CategoryInternal, Err: err}
		}
	}

	listeners := append([]progress.Listener{progress.StoreListener{Repo: o.repo}, progress.LogListener{Logger: o.logger}}, o.extraListeners...)
	tracker := progress.NewTracker(record.ID, o.logger, listeners...)

	r := &run{o: o, req: req, rec: record, tracker: tracker}
	result := r.execute(ctx)
	o.metrics.ObserveRun(string(result.Outcome))
	return result
}

func validateRequest(req Request) error {
	if req.Owner == "" {
		return domain.Categorized(domain.CategoryValidation, "supply the owning user or team", errors.New("owner required"))
	}
	if !serviceNameRe.MatchString(req.ServiceName) {
		return domain.Categorized(domain.CategoryValidation,
			"service names are lowercase alphanumerics and hyphens, max 63 chars",
			fmt.Errorf("invalid service name %q", req.ServiceName))
	}
	if req.RepoRef == "" {
		return domain.Categorized(domain.CategoryValidation, "supply a repository reference", errors.New("repository reference required"))
	}
	return nil
}

// prepareResume folds the new request into an existing record and decides
// which stage results survive. RepoAccess and CodeAnalysis are reusable
// when the project path still exists and the analysis is within its TTL;
// everything downstream always re-runs.
func (o *Orchestrator) prepareResume(ctx context.Context, record *domain.DeploymentRecord, req Request) error {
	if record.EnvVars == nil {
		record.EnvVars = make(map[string]string)
	}
	for k, v := range req.EnvVars {
		record.EnvVars[k] = v
	}
	record.Region = req.Region

	repoChanged := record.RepoRef != req.RepoRef
	record.RepoRef = req.RepoRef

	reusable := !repoChanged && o.analysisFresh(record) && projectPathValid(record.ProjectPath)
	for i := range record.Stages {
		stage := &record.Stages[i]
		if reusable && stage.Status == domain.StageSuccess &&
			(stage.ID == domain.StageRepoAccess || stage.ID == domain.StageCodeAnalysis) {
			continue
		}
		record.Stages[i] = domain.StageState{ID: stage.ID, Label: stage.ID.Label(), Status: domain.StageWaiting}
	}
	if !reusable {
		record.ProjectPath = ""
		record.Analysis = nil
		record.AnalyzedAt = nil
	}
	record.Status = domain.StatusPending
	record.ErrorMessage = ""
	record.ServiceURL = ""
	record.ImageRef = ""
	return o.repo.Update(ctx, record)
}

func (o *Orchestrator) analysisFresh(record *domain.DeploymentRecord) bool {
	if record.Analysis == nil || record.AnalyzedAt == nil {
		return false
	}
	if o.cfg.AnalysisTTL <= 0 {
		return true
	}
	return time.Since(*record.AnalyzedAt) < o.cfg.AnalysisTTL
}

func projectPathValid(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// needsConfigError is the EnvConfig checkpoint signal: a deliberate
// non-terminal pause, not a failure.
type needsConfigError struct {
	missing []string
}

func (e *needsConfigError) Error() string {
	return fmt.Sprintf("configuration required for %d environment keys", len(e.missing))
}

// run carries the per-execution state.
type run struct {
	o       *Orchestrator
	req     Request
	rec     *domain.DeploymentRecord
	tracker *progress.Tracker
}

type stageStep struct {
	id  domain.StageID
	fn  func(ctx context.Context) error
	pre domain.Status
}

func (r *run) execute(ctx context.Context) domain.Result {
	steps := []stageStep{
		{id: domain.StageRepoAccess, fn: r.repoAccess},
		{id: domain.StageCodeAnalysis, fn: r.codeAnalysis},
		{id: domain.StageDockerfile, fn: r.dockerfileGeneration},
		{id: domain.StageEnvConfig, fn: r.envConfig},
		{id: domain.StageSecurityScan, fn: r.securityScan},
		{id: domain.StageContainerBuild, fn: r.containerBuild, pre: domain.StatusBuilding},
		{id: domain.StageCloudDeployment, fn: r.cloudDeployment, pre: domain.StatusDeploying},
		{id: domain.StageHealthVerification, fn: r.healthVerification},
	}

	for _, step := range steps {
		if ctx.Err() != nil {
			return r.abort(ctx)
		}
		if r.rec.StageSucceeded(step.id) {
			r.tracker.Report(ctx, step.id, domain.StageSuccess, "reusing previous result", 100)
			continue
		}
		if step.pre != "" {
			r.rec.Status = step.pre
			if err := r.o.repo.Update(ctx, r.rec); err != nil {
				return r.fail(ctx, step.id, err, nil)
			}
		}

		start := time.Now()
		r.tracker.Report(ctx, step.id, domain.StageInProgress, step.id.Label(), 0)
		err := step.fn(ctx)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			r.o.metrics.ObserveStage(string(step.id), "success", elapsed)
			r.tracker.Report(ctx, step.id, domain.StageSuccess, "", 100)
		case isAbort(ctx, err):
			r.o.metrics.ObserveStage(string(step.id), "aborted", elapsed)
			return r.abort(ctx)
		default:
			var needs *needsConfigError
			if errors.As(err, &needs) {
				return r.pauseForConfiguration(ctx, needs.missing)
			}
			r.o.metrics.ObserveStage(string(step.id), "error", elapsed)
			r.tracker.Report(ctx, step.id, domain.StageError, err.Error(), 0)
			return r.fail(ctx, step.id, err, r.failureLogs())
		}
	}

	return r.finishLive(ctx)
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (r *run) finishLive(ctx context.Context) domain.Result {
	now := time.Now().UTC()
	r.rec.Status = domain.StatusLive
	r.rec.LastDeployed = &now
	r.rec.ErrorMessage = ""
	if err := r.persistTerminal(ctx); err != nil {
		return domain.Result{DeploymentID: r.rec.ID, Outcome: domain.OutcomeFailed, Category: domain.CategoryInternal, Err: err}
	}
	r.o.logger.Info("deployment live", "deployment_id", r.rec.ID, "url", r.rec.ServiceURL)
	return domain.Result{DeploymentID: r.rec.ID, Outcome: domain.OutcomeSuccess, URL: r.rec.ServiceURL}
}

// pauseForConfiguration persists the checkpoint and reports what is
// missing. The record stays pending: this is not a terminal state.
func (r *run) pauseForConfiguration(ctx context.Context, missing []string) domain.Result {
	r.tracker.Report(ctx, domain.StageEnvConfig, domain.StageInProgress,
		"waiting for environment configuration", 50, missing...)
	r.rec.Status = domain.StatusPending
	if err := r.persistTerminal(ctx); err != nil {
		r.o.logger.Error("checkpoint persist failed", "deployment_id", r.rec.ID, "error", err)
	}
	return domain.Result{DeploymentID: r.rec.ID, Outcome: domain.OutcomeNeedsConfiguration, MissingKeys: missing}
}

// abort persists the distinct Aborted outcome. Persistence runs on a
// detached context because the run's own context is already cancelled.
func (r *run) abort(ctx context.Context) domain.Result {
	r.rec.Status = domain.StatusAborted
	r.rec.ErrorMessage = "deployment aborted"
	if err := r.persistTerminal(context.WithoutCancel(ctx)); err != nil {
		r.o.logger.Error("abort persist failed", "deployment_id", r.rec.ID, "error", err)
	}
	r.o.logger.Info("deployment aborted", "deployment_id", r.rec.ID)
	r.cleanupBestEffort()
	return domain.Result{DeploymentID: r.rec.ID, Outcome: domain.OutcomeAborted}
}

func (r *run) fail(ctx context.Context, stage domain.StageID, err error, failureLogs []string) domain.Result {
	category := domain.CategoryOf(err)
	if category == domain.CategoryInternal {
		switch stage {
		case domain.StageContainerBuild:
			category = domain.CategoryBuild
		case domain.StageCloudDeployment:
			category = domain.CategoryDeploy
		case domain.StageHealthVerification:
			category = domain.CategoryHealth
		}
	}

	var diagnosis *domain.Diagnosis
	if stage == domain.StageContainerBuild || stage == domain.StageCloudDeployment {
		diagnosis = r.diagnose(ctx, err, failureLogs)
	}

	r.rec.Status = domain.StatusFailed
	r.rec.ErrorMessage = err.Error()
	if hint := domain.HintOf(err); hint != "" {
		r.rec.ErrorMessage = fmt.Sprintf("%v (hint: %s)", err, hint)
	}
	if persistErr := r.persistTerminal(context.WithoutCancel(ctx)); persistErr != nil {
		r.o.logger.Error("failure persist failed", "deployment_id", r.rec.ID, "error", persistErr)
	}
	r.o.logger.Error("deployment failed",
		"deployment_id", r.rec.ID, "stage", stage, "category", category, "error", err)
	r.cleanupBestEffort()
	return domain.Result{
		DeploymentID: r.rec.ID,
		Outcome:      domain.OutcomeFailed,
		Category:     category,
		Err:          err,
		Diagnosis:    diagnosis,
	}
}

// persistTerminal updates the record and forces a flush so the outcome can
// never be lost to write debouncing.
func (r *run) persistTerminal(ctx context.Context) error {
	if err := r.o.repo.Update(ctx, r.rec); err != nil {
		return err
	}
	return r.o.repo.Flush(ctx)
}

func (r *run) cleanupBestEffort() {
	if r.o.cleaner == nil {
		return
	}
	if err := r.o.cleaner.Cleanup(r.rec.ID); err != nil {
		r.o.logger.Warn("resource cleanup failed", "deployment_id", r.rec.ID, "error", err)
	}
}

// failureLogs returns the tail of the captured build log for diagnosis.
func (r *run) failureLogs() []string {
	const tail = 60
	fresh, err := r.o.repo.Get(context.Background(), r.rec.ID)
	if err != nil {
		return nil
	}
	logs := fresh.BuildLogs
	if len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	return logs
}

// diagnose routes the failure through the Advisor. Diagnosis goes through
// the resilient invoker like any other external call; its own failure
// degrades to a raw-error result rather than masking the original error.
func (r *run) diagnose(ctx context.Context, cause error, failureLogs []string) *domain.Diagnosis {
	if r.o.advisor == nil || len(r.o.targets.Advisor) == 0 {
		return nil
	}
	sourceContext := ""
	if r.rec.Analysis != nil {
		sourceContext = fmt.Sprintf("language=%s framework=%s entrypoint=%s",
			r.rec.Analysis.Language, r.rec.Analysis.Framework, r.rec.Analysis.EntryPoint)
	}
	logs := failureLogs
	if len(logs) == 0 {
		logs = []string{cause.Error()}
	}

	diagnoseCtx := context.WithoutCancel(ctx)
	var served string
	value, err := r.o.invoker.Invoke(diagnoseCtx,
		func(ctx context.Context, target string, _ *invoke.CallState) (any, error) {
			served = target
			return r.o.advisor.Diagnose(ctx, logs, sourceContext)
		},
		limiter.PriorityCritical, r.o.targets.Advisor, r.o.targets.AdvisorFallback,
		invoke.Policy{Cost: limiter.Cost{Requests: 1, Tokens: estimateTokens(logs)}})
	if err != nil {
		r.o.metrics.ObserveAdvisor("error")
		r.o.logger.Warn("advisor diagnosis failed", "deployment_id", r.rec.ID, "error", err)
		return nil
	}
	diagnosis, ok := value.(domain.Diagnosis)
	if !ok {
		r.o.metrics.ObserveAdvisor("invalid")
		return nil
	}
	// The acquire-time estimate covered the prompt side only; charge the
	// response against the serving target now that its size is known.
	if extra := estimateTokens([]string{diagnosis.RootCause, diagnosis.SuggestedFix}); extra > 0 {
		r.o.invoker.RecordUsage(diagnoseCtx, served, extra)
	}
	diagnosis.AutoApply = diagnosis.HasFix() && diagnosis.Confidence >= r.o.cfg.AutoApplyConfidence
	r.o.metrics.ObserveAdvisor("ok")
	return &diagnosis
}

func estimateTokens(lines []string) int64 {
	var chars int64
	for _, line := range lines {
		chars += int64(len(line))
	}
	// Rough 4-chars-per-token estimate; RecordUsage settles the difference
	// once the response size is known.
	return chars / 4
}
