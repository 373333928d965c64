// Package analyze detects the language, framework and runtime traits of a
// checked-out project.
package analyze

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
)

// Detector is a filesystem-based heuristic analyzer. Manifest files give
// ground-truth confidence; weaker signals degrade the score so callers can
// decide whether to trust a cached result instead.
type Detector struct {
	logger *slog.Logger
}

// NewDetector constructs a Detector.
func NewDetector(logger *slog.Logger) *Detector {
	return &Detector{logger: logger}
}

// Analyze inspects the project directory and returns its runtime profile.
func (d *Detector) Analyze(_ context.Context, projectRef string) (domain.Analysis, error) {
	analysis := detectStack(projectRef)
	analysis.DetectedSecretKeys = detectSecretKeys(projectRef)
	if d.logger != nil {
		d.logger.Debug("project analyzed",
			"path", projectRef,
			"language", analysis.Language,
			"framework", analysis.Framework,
			"confidence", analysis.Confidence)
	}
	return analysis, nil
}

func detectStack(dir string) domain.Analysis {
	if exists(dir, "go.mod") {
		return domain.Analysis{
			Language:   "go",
			Confidence: 1.0,
			Port:       8080,
			EntryPoint: goEntryPoint(dir),
		}
	}
	if exists(dir, "package.json") {
		return nodeAnalysis(dir)
	}
	if exists(dir, "requirements.txt") || exists(dir, "pyproject.toml") {
		return pythonAnalysis(dir)
	}
	if exists(dir, "Gemfile") {
		return domain.Analysis{Language: "ruby", Framework: "rails", Confidence: 0.8, Port: 3000}
	}
	if exists(dir, "pom.xml") || exists(dir, "build.gradle") {
		return domain.Analysis{Language: "java", Confidence: 0.8, Port: 8080}
	}
	if exists(dir, "index.html") {
		return domain.Analysis{Language: "static", Confidence: 0.6, Port: 80}
	}
	return domain.Analysis{Language: "unknown", Confidence: 0.2, Port: 8080}
}

func goEntryPoint(dir string) string {
	entries, err := os.ReadDir(filepath.Join(dir, "cmd"))
	if err != nil || len(entries) == 0 {
		return "."
	}
	for _, entry := range entries {
		if entry.IsDir() {
			return "./cmd/" + entry.Name()
		}
	}
	return "."
}

func nodeAnalysis(dir string) domain.Analysis {
	analysis := domain.Analysis{Language: "node", Confidence: 1.0, Port: 3000, EntryPoint: "index.js"}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		analysis.Confidence = 0.7
		return analysis
	}
	var pkg struct {
		Main            string            `json:"main"`
		Scripts         map[string]string `json:"scripts"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		analysis.Confidence = 0.7
		return analysis
	}
	if pkg.Main != "" {
		analysis.EntryPoint = pkg.Main
	}
	deps := func(name string) bool {
		_, ok := pkg.Dependencies[name]
		if !ok {
			_, ok = pkg.DevDependencies[name]
		}
		return ok
	}
	switch {
	case deps("next"):
		analysis.Framework = "next"
	case deps("express"):
		analysis.Framework = "express"
	case deps("fastify"):
		analysis.Framework = "fastify"
	case deps("react-scripts"):
		analysis.Framework = "create-react-app"
	}
	return analysis
}

func pythonAnalysis(dir string) domain.Analysis {
	analysis := domain.Analysis{Language: "python", Confidence: 1.0, Port: 8000, EntryPoint: "main.py"}
	reqs := strings.ToLower(readSmall(filepath.Join(dir, "requirements.txt")) + readSmall(filepath.Join(dir, "pyproject.toml")))
	switch {
	case strings.Contains(reqs, "django"):
		analysis.Framework = "django"
		analysis.EntryPoint = "manage.py"
	case strings.Contains(reqs, "fastapi"):
		analysis.Framework = "fastapi"
	case strings.Contains(reqs, "flask"):
		analysis.Framework = "flask"
		analysis.Port = 5000
		analysis.EntryPoint = "app.py"
	}
	return analysis
}

// detectSecretKeys collects env keys the project documents but expects the
// operator to supply. Template env files are the authoritative signal.
func detectSecretKeys(dir string) []string {
	seen := make(map[string]struct{})
	for _, name := range []string{".env.example", ".env.sample", ".env.template"} {
		file, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			// Keys with committed defaults are not secrets.
			if key != "" && strings.TrimSpace(value) == "" {
				seen[key] = struct{}{}
			}
		}
		file.Close()
	}
	if len(seen) == 0 {
		return nil
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func readSmall(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > 64*1024 {
		data = data[:64*1024]
	}
	return string(data)
}
