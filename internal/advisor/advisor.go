// Package advisor diagnoses failed builds and rollouts from their log
// output. Rules map known failure signatures to root causes with a
// confidence score; the orchestrator decides whether a fix is strong
// enough to offer for automatic application.
package advisor

import (
	"context"
	"regexp"
	"strings"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
)

// rule is one failure signature.
type rule struct {
	pattern    *regexp.Regexp
	rootCause  string
	fix        string
	confidence int
	// fileGroup, when positive, names the capture group holding an
	// affected file or module.
	fileGroup int
}

var rules = []rule{
	{
		pattern:    regexp.MustCompile(`(?i)module not found.*['"]([^'"]+)['"]`),
		rootCause:  "a required dependency is not installed",
		fix:        "add the missing module to the dependency manifest and commit the lockfile",
		confidence: 92,
		fileGroup:  1,
	},
	{
		pattern:    regexp.MustCompile(`(?i)npm ERR!.*(ERESOLVE|peer dep)`),
		rootCause:  "npm dependency resolution conflict",
		fix:        "align the conflicting peer dependency versions in package.json",
		confidence: 85,
	},
	{
		pattern:    regexp.MustCompile(`no required module provides package ([^\s;]+)`),
		rootCause:  "a Go import has no matching module requirement",
		fix:        "run go mod tidy and commit the updated go.mod and go.sum",
		confidence: 95,
		fileGroup:  1,
	},
	{
		pattern:    regexp.MustCompile(`(?i)ModuleNotFoundError: No module named '([^']+)'`),
		rootCause:  "a Python import is missing from requirements",
		fix:        "add the package to requirements.txt",
		confidence: 93,
		fileGroup:  1,
	},
	{
		pattern:    regexp.MustCompile(`(?i)(syntax error|SyntaxError)[:\s]`),
		rootCause:  "the source fails to parse",
		fix:        "fix the reported syntax error at the location in the log",
		confidence: 88,
	},
	{
		pattern:    regexp.MustCompile(`(?i)address already in use|port is already allocated`),
		rootCause:  "the configured port is already bound on the host",
		fix:        "stop the conflicting service or change the exposed port",
		confidence: 80,
	},
	{
		pattern:    regexp.MustCompile(`(?i)(killed|OOMKilled|out of memory)`),
		rootCause:  "the build or container ran out of memory",
		fix:        "raise the memory limit or reduce the build's working set",
		confidence: 70,
	},
	{
		pattern:    regexp.MustCompile(`(?i)(EACCES|permission denied)`),
		rootCause:  "a file operation was denied by permissions",
		fix:        "adjust file ownership in the Dockerfile or avoid writing to read-only paths",
		confidence: 65,
	},
	{
		pattern:    regexp.MustCompile(`(?i)COPY failed.*?(?:stat )?([^\s:]+): (?:file does not exist|not found)`),
		rootCause:  "a Dockerfile COPY source does not exist in the build context",
		fix:        "correct the COPY path or add the file to the repository",
		confidence: 90,
		fileGroup:  1,
	},
}

// RuleAdvisor is a deterministic, offline diagnosis engine.
type RuleAdvisor struct {
	logger *slog.Logger
}

// NewRuleAdvisor constructs a RuleAdvisor.
func NewRuleAdvisor(logger *slog.Logger) *RuleAdvisor {
	return &RuleAdvisor{logger: logger}
}

// Diagnose scans the failure log bottom-up, preferring the most recent
// matching signature. sourceContext nudges confidence when the detected
// stack agrees with the matched rule.
func (a *RuleAdvisor) Diagnose(ctx context.Context, failureLogs []string, sourceContext string) (domain.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return domain.Diagnosis{}, err
	}
	for i := len(failureLogs) - 1; i >= 0; i-- {
		line := failureLogs[i]
		for _, r := range rules {
			m := r.pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			diagnosis := domain.Diagnosis{
				RootCause:    r.rootCause,
				SuggestedFix: r.fix,
				Confidence:   r.confidence,
			}
			if r.fileGroup > 0 && r.fileGroup < len(m) && m[r.fileGroup] != "" {
				diagnosis.AffectedFiles = []string{m[r.fileGroup]}
			}
			if a.logger != nil {
				a.logger.Debug("failure signature matched",
					"root_cause", diagnosis.RootCause,
					"confidence", diagnosis.Confidence)
			}
			return diagnosis, nil
		}
	}

	// Nothing matched: return the last non-empty line as a low-confidence
	// observation rather than an error, so the caller still gets context.
	for i := len(failureLogs) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(failureLogs[i]); line != "" {
			return domain.Diagnosis{RootCause: line, Confidence: 20}, nil
		}
	}
	return domain.Diagnosis{RootCause: "failure produced no log output", Confidence: 10}, nil
}
