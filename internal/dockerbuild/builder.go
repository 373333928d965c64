package dockerbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"

	"github.com/splax/launchpad/internal/pipeline"
	"github.com/splax/launchpad/internal/poller"
)

// stepLine matches the classic builder's "Step 3/12 : RUN ..." output.
var stepLine = regexp.MustCompile(`^Step (\d+)/(\d+)`)

// Builder builds container images with the local Docker daemon and exposes
// each build as a pollable operation.
type Builder struct {
	client *Client
	logger *slog.Logger
}

// NewBuilder constructs a Builder.
func NewBuilder(client *Client, logger *slog.Logger) *Builder {
	return &Builder{client: client, logger: logger}
}

// StartBuild streams a docker build in the background and returns its
// handle immediately. Step markers in the build output feed the handle's
// step counters; every output line lands in the handle's log.
func (b *Builder) StartBuild(ctx context.Context, sourceRef string, spec pipeline.BuildSpec) (poller.Operation, error) {
	if sourceRef == "" {
		return nil, fmt.Errorf("build directory cannot be empty")
	}
	if spec.ImageTag == "" {
		return nil, fmt.Errorf("image tag cannot be empty")
	}

	op := newOperation("preparing build context")
	go func() {
		err := b.build(ctx, sourceRef, spec, op)
		if err != nil {
			if b.logger != nil {
				b.logger.Warn("image build failed", "tag", spec.ImageTag, "error", err)
			}
			op.fail(err.Error())
			return
		}
		op.succeed(spec.ImageTag, "image built")
	}()
	return op, nil
}

func (b *Builder) build(ctx context.Context, dir string, spec pipeline.BuildSpec, op *operation) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(spec.BuildArgs))
	for k, v := range spec.BuildArgs {
		value := v
		args[k] = &value
	}
	opts := types.ImageBuildOptions{
		Tags:        []string{spec.ImageTag},
		Dockerfile:  spec.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   args,
	}
	resp, err := b.client.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		line := msg.render()
		if line == "" {
			continue
		}
		op.appendLog(line)
		if m := stepLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			current, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			// Step N starting means N-1 steps are done.
			op.setStep(current-1, total, strings.TrimSpace(line))
		}
	}
}

type buildMessage struct {
	Stream         string              `json:"stream"`
	Status         string              `json:"status"`
	ID             string              `json:"id"`
	Progress       string              `json:"progress"`
	ProgressDetail buildProgressDetail `json:"progressDetail"`
	Error          string              `json:"error"`
	ErrorDetail    buildErrorDetail    `json:"errorDetail"`
	Aux            map[string]any      `json:"aux"`
}

type buildProgressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type buildErrorDetail struct {
	Message string `json:"message"`
}

func (m buildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if len(m.Aux) > 0 {
		if id, ok := m.Aux["ID"]; ok {
			return fmt.Sprintf("image id: %v", id)
		}
	}
	return ""
}
