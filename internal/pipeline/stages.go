package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"context"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/invoke"
	"github.com/splax/launchpad/internal/limiter"
	"github.com/splax/launchpad/internal/poller"
)

func (r *run) repoAccess(ctx context.Context) error {
	r.tracker.Report(ctx, domain.StageRepoAccess, domain.StageInProgress, "cloning repository", 20)

	value, err := r.o.invoker.Invoke(ctx,
		func(ctx context.Context, _ string, _ *invoke.CallState) (any, error) {
			return r.o.fetcher.Fetch(ctx, r.rec.RepoRef, r.rec.ID)
		},
		limiter.PriorityStandard, r.o.targets.Git, "",
		invoke.Policy{Cost: limiter.Cost{Requests: 1}})
	if err != nil {
		return fmt.Errorf("repo access: %w", err)
	}
	path, ok := value.(string)
	if !ok || path == "" {
		return domain.Categorized(domain.CategoryInternal, "", errors.New("repo access: fetcher returned no path"))
	}
	r.rec.ProjectPath = path
	return r.o.repo.Update(ctx, r.rec)
}

func (r *run) codeAnalysis(ctx context.Context) error {
	value, err := r.o.invoker.Invoke(ctx,
		func(ctx context.Context, _ string, _ *invoke.CallState) (any, error) {
			return r.o.analyzer.Analyze(ctx, r.rec.ProjectPath)
		},
		limiter.PriorityStandard, r.o.targets.Analyze, "",
		invoke.Policy{Cost: limiter.Cost{Requests: 1}})
	if err != nil {
		return fmt.Errorf("code analysis: %w", err)
	}
	fresh, ok := value.(domain.Analysis)
	if !ok {
		return errors.New("code analysis: analyzer returned unexpected type")
	}

	merged := mergeAnalysis(r.rec.Analysis, fresh)
	now := time.Now().UTC()
	r.rec.Analysis = &merged
	r.rec.AnalyzedAt = &now
	r.tracker.Report(ctx, domain.StageCodeAnalysis, domain.StageInProgress,
		fmt.Sprintf("detected %s", describeStack(merged)), 80)
	return r.o.repo.Update(ctx, r.rec)
}

// mergeAnalysis decides whether a fresh detection replaces the cached one.
// Confidence >= 1.0 is ground truth and never overridden; a low-confidence
// fresh result never displaces a stronger cached one.
func mergeAnalysis(cached *domain.Analysis, fresh domain.Analysis) domain.Analysis {
	if cached == nil {
		return fresh
	}
	if cached.Confidence >= 1.0 {
		return *cached
	}
	if fresh.LowConfidence() && fresh.Confidence < cached.Confidence {
		return *cached
	}
	return fresh
}

func describeStack(a domain.Analysis) string {
	if a.Framework != "" {
		return fmt.Sprintf("%s (%s)", a.Language, a.Framework)
	}
	if a.Language == "" {
		return "unknown stack"
	}
	return a.Language
}

func (r *run) dockerfileGeneration(ctx context.Context) error {
	dockerfilePath := filepath.Join(r.rec.ProjectPath, "Dockerfile")
	if _, err := os.Stat(dockerfilePath); err == nil {
		r.tracker.Report(ctx, domain.StageDockerfile, domain.StageInProgress,
			"repository provides its own Dockerfile", 90)
		return nil
	}
	if r.o.renderer == nil {
		return domain.Categorized(domain.CategoryBuild,
			"add a Dockerfile to the repository root",
			errors.New("no Dockerfile present and no generator configured"))
	}
	if r.rec.Analysis == nil {
		return errors.New("dockerfile generation: analysis missing")
	}

	content, err := r.o.renderer.Render(*r.rec.Analysis)
	if err != nil {
		return fmt.Errorf("dockerfile generation: %w", err)
	}
	if err := os.WriteFile(dockerfilePath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("dockerfile generation: write: %w", err)
	}
	r.tracker.Report(ctx, domain.StageDockerfile, domain.StageInProgress,
		fmt.Sprintf("generated Dockerfile for %s", describeStack(*r.rec.Analysis)), 90)
	return nil
}

// envConfig verifies every detected secret key has a value. Missing keys
// pause the run at a resumable checkpoint instead of failing it.
func (r *run) envConfig(ctx context.Context) error {
	var missing []string
	if r.rec.Analysis != nil {
		for _, key := range r.rec.Analysis.DetectedSecretKeys {
			if _, ok := r.rec.EnvVars[key]; !ok {
				missing = append(missing, key)
			}
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 && !r.req.ConfigConfirmed {
		return &needsConfigError{missing: missing}
	}
	if len(missing) > 0 {
		r.tracker.Report(ctx, domain.StageEnvConfig, domain.StageInProgress,
			fmt.Sprintf("proceeding without %d unset keys on caller confirmation", len(missing)), 80)
	}
	return r.o.repo.Update(ctx, r.rec)
}

// securityScan rejects only embedded private key material. Suspicious but
// non-fatal findings surface as event details.
func (r *run) securityScan(ctx context.Context) error {
	var warnings []string
	for key, value := range r.rec.EnvVars {
		if containsPrivateKey(value) {
			return domain.Categorized(domain.CategoryValidation,
				"reference key material via a secret manager, never inline",
				fmt.Errorf("environment variable %s contains private key material", key))
		}
		if looksSensitiveName(key) && len(value) > 0 {
			warnings = append(warnings, fmt.Sprintf("%s handled as sensitive", key))
		}
	}

	checked := 0
	for _, name := range []string{".env", ".env.local", ".env.production"} {
		path := filepath.Join(r.rec.ProjectPath, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		checked++
		if containsPrivateKey(string(data)) {
			return domain.Categorized(domain.CategoryValidation,
				"remove committed key material from the repository",
				fmt.Errorf("%s contains private key material", name))
		}
		warnings = append(warnings, fmt.Sprintf("%s is committed to the repository", name))
	}

	sort.Strings(warnings)
	r.tracker.Report(ctx, domain.StageSecurityScan, domain.StageInProgress,
		fmt.Sprintf("scanned %d env vars and %d env files", len(r.rec.EnvVars), checked), 90, warnings...)
	return nil
}

func containsPrivateKey(s string) bool {
	return strings.Contains(s, "PRIVATE KEY-----")
}

func looksSensitiveName(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"SECRET", "TOKEN", "PASSWORD", "API_KEY", "PRIVATE"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func (r *run) containerBuild(ctx context.Context) error {
	buildCtx, cancel := context.WithTimeout(ctx, r.o.cfg.BuildTimeout)
	defer cancel()

	spec := BuildSpec{
		ImageTag:   fmt.Sprintf("%s-%s:%s", r.rec.Owner, r.rec.ServiceName, shortID(r.rec.ID)),
		Dockerfile: "Dockerfile",
	}
	value, err := r.o.invoker.Invoke(buildCtx,
		func(ctx context.Context, _ string, _ *invoke.CallState) (any, error) {
			return r.o.builder.StartBuild(ctx, r.rec.ProjectPath, spec)
		},
		limiter.PriorityStandard, r.o.targets.Build, "",
		invoke.Policy{Cost: limiter.Cost{Requests: 1}})
	if err != nil {
		return domain.Categorized(domain.CategoryBuild, "", fmt.Errorf("start build: %w", err))
	}
	handle, ok := value.(poller.Operation)
	if !ok {
		return errors.New("container build: builder returned unexpected handle")
	}

	snapshot, err := r.watch(buildCtx, domain.StageContainerBuild, r.o.targets.Build, handle)
	if err != nil {
		return domain.Categorized(domain.CategoryBuild, "", fmt.Errorf("container build: %w", err))
	}
	if snapshot.State == poller.StateFailed {
		return domain.Categorized(domain.CategoryBuild,
			"inspect the build log for the failing step",
			fmt.Errorf("container build failed: %s", terminalMessage(snapshot)))
	}
	r.rec.ImageRef = snapshot.ResultRef
	return r.o.repo.Update(ctx, r.rec)
}

func (r *run) cloudDeployment(ctx context.Context) error {
	deployCtx, cancel := context.WithTimeout(ctx, r.o.cfg.DeployTimeout)
	defer cancel()

	port := 8080
	if r.rec.Analysis != nil && r.rec.Analysis.Port > 0 {
		port = r.rec.Analysis.Port
	}
	runtime := RuntimeConfig{
		ServiceName: r.rec.ServiceName,
		Region:      r.rec.Region,
		Port:        port,
		EnvVars:     r.rec.EnvVars,
	}
	value, err := r.o.invoker.Invoke(deployCtx,
		func(ctx context.Context, _ string, _ *invoke.CallState) (any, error) {
			return r.o.deployer.StartDeploy(ctx, r.rec.ImageRef, runtime)
		},
		limiter.PriorityStandard, r.o.targets.Deploy, "",
		invoke.Policy{Cost: limiter.Cost{Requests: 1}})
	if err != nil {
		return domain.Categorized(domain.CategoryDeploy, "", fmt.Errorf("start deploy: %w", err))
	}
	handle, ok := value.(poller.Operation)
	if !ok {
		return errors.New("cloud deployment: deployer returned unexpected handle")
	}

	snapshot, err := r.watch(deployCtx, domain.StageCloudDeployment, r.o.targets.Deploy, handle)
	if err != nil {
		return domain.Categorized(domain.CategoryDeploy, "", fmt.Errorf("cloud deployment: %w", err))
	}
	if snapshot.State == poller.StateFailed {
		return domain.Categorized(domain.CategoryDeploy,
			"inspect the rollout log",
			fmt.Errorf("cloud deployment failed: %s", terminalMessage(snapshot)))
	}
	r.rec.ServiceURL = snapshot.ResultRef
	return r.o.repo.Update(ctx, r.rec)
}

func terminalMessage(snapshot poller.StatusSnapshot) string {
	if snapshot.ErrorMessage != "" {
		return snapshot.ErrorMessage
	}
	if snapshot.Message != "" {
		return snapshot.Message
	}
	return "no error detail reported"
}

// watch drives the poll loop for a long-running operation, routing status
// fetches through the resilient invoker and translating progress events into
// tracker reports. Log lines ride along as event details so the store
// listener captures them.
func (r *run) watch(ctx context.Context, stage domain.StageID, targets []string, op poller.Operation) (poller.StatusSnapshot, error) {
	wrapped := resilientOperation{op: op, inv: r.o.invoker, targets: targets}
	return r.o.poll.Poll(ctx, wrapped, func(ev poller.ProgressEvent) {
		status := domain.StageInProgress
		if ev.Terminal && ev.State == poller.StateSucceeded {
			status = domain.StageSuccess
		}
		r.tracker.Report(ctx, stage, status, ev.Message, ev.Progress, ev.LogLines...)
	})
}

// resilientOperation wraps status polling with retry/breaker/limiter. Log
// reads pass through untouched: the tail already tolerates transient read
// failures without advancing its offset.
type resilientOperation struct {
	op      poller.Operation
	inv     *invoke.Invoker
	targets []string
}

func (w resilientOperation) Status(ctx context.Context) (poller.StatusSnapshot, error) {
	value, err := w.inv.Invoke(ctx,
		func(ctx context.Context, _ string, _ *invoke.CallState) (any, error) {
			return w.op.Status(ctx)
		},
		limiter.PriorityStandard, w.targets, "",
		invoke.Policy{Cost: limiter.Cost{Requests: 1}})
	if err != nil {
		return poller.StatusSnapshot{}, err
	}
	snapshot, ok := value.(poller.StatusSnapshot)
	if !ok {
		return poller.StatusSnapshot{}, errors.New("status poll returned unexpected type")
	}
	return snapshot, nil
}

func (w resilientOperation) ReadLog(ctx context.Context, offset int64) ([]byte, int64, error) {
	return w.op.ReadLog(ctx, offset)
}

// healthVerification probes the service URL until it answers or the
// pessimistic timeout expires. Waits observe ctx so cancellation stays
// responsive.
func (r *run) healthVerification(ctx context.Context) error {
	url := r.rec.ServiceURL
	if url == "" {
		return domain.Categorized(domain.CategoryHealth, "", errors.New("health verification: no service URL recorded"))
	}

	deadline := time.Now().Add(r.o.cfg.HealthTimeout)
	attempt := 0
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		lastErr = r.probe(ctx, url)
		if lastErr == nil {
			return nil
		}
		progress := attempt * 10
		if progress > 90 {
			progress = 90
		}
		r.tracker.Report(ctx, domain.StageHealthVerification, domain.StageInProgress,
			fmt.Sprintf("probe %d: %v", attempt, lastErr), progress)
		if time.Now().After(deadline) {
			return domain.Categorized(domain.CategoryHealth,
				"the service started but never answered health probes",
				fmt.Errorf("health verification timed out after %s: %w", r.o.cfg.HealthTimeout, lastErr))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.o.cfg.HealthInterval):
		}
	}
}

// probe issues one health request. A single bounded attempt per probe: the
// enclosing loop owns the retry cadence, the invoker contributes breaker and
// budget bookkeeping.
func (r *run) probe(ctx context.Context, url string) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := r.o.invoker.Invoke(probeCtx,
		func(ctx context.Context, _ string, _ *invoke.CallState) (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := r.o.healthClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			if resp.StatusCode >= 200 && resp.StatusCode < 400 {
				return nil, nil
			}
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		},
		limiter.PriorityLow, []string{"service-health"}, "",
		invoke.Policy{MaxAttempts: 1, Cost: limiter.Cost{Requests: 1}})
	return err
}

func shortID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()[:8]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
