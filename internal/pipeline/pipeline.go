package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/nao1215/sitemirror/internal/model"
)

var (
	// ErrHalt ends a job early without an error. The job's outcome is
	// whatever the steps recorded so far.
	ErrHalt = errors.New("pipeline halted")

	// ErrFiltered reports a resource whose detected kind is not in the
	// allowlist. Nothing is written for it.
	ErrFiltered = errors.New("resource kind filtered")
)

// Job is the state of one crawl task while it moves through the pipeline.
type Job struct {
	// Task is the crawl task being processed.
	Task model.Task

	// Kind is the detected resource kind.
	Kind model.ResourceKind

	// LocalPath is the slash-separated path below the mirror root.
	LocalPath string

	// FinalURL is the URL after redirects.
	FinalURL *url.URL

	// ContentType is the Content-Type of the response.
	ContentType string

	// Body holds the bytes as fetched, or the staged original of a resumed document.
	Body []byte

	// Output holds the bytes to persist. Nil means Body.
	Output []byte

	// References are the references found in an HTML or CSS body.
	References []model.Reference

	// Conversion is set when the image was transcoded.
	Conversion *model.ConversionRecord

	// Resumed is true when an earlier run already materialized the resource.
	Resumed bool

	// Persist is false when the resource is processed for discovery only.
	Persist bool

	// Digest is the hex SHA3-256 of the persisted bytes.
	Digest string

	// Steps lists the steps that completed, in order.
	Steps []string
}

// NewJob creates a job for task.
func NewJob(task model.Task) *Job {
	return &Job{
		Task:    task,
		Kind:    task.KindHint,
		Persist: true,
		Steps:   make([]string, 0, 8),
	}
}

// Bytes returns the bytes that are (or would be) persisted.
func (j *Job) Bytes() []byte {
	if j.Output != nil {
		return j.Output
	}
	return j.Body
}

// Step is one stage of the per-resource chain.
type Step interface {
	// Do executes the step. Returning ErrHalt stops the chain without error.
	Do(ctx context.Context, job *Job) error

	// Name returns the step's name for logging purposes.
	Name() string
}

// Pipeline runs steps in order.
type Pipeline struct {
	steps  []Step
	logger *slog.Logger
}

// Option is a function that configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger for the pipeline.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates an empty pipeline. Steps are added with AddStep.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		steps: make([]Step, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// AddStep appends a step to the pipeline.
func (p *Pipeline) AddStep(step Step) {
	p.steps = append(p.steps, step)
}

// AddSteps appends multiple steps to the pipeline.
func (p *Pipeline) AddSteps(steps ...Step) {
	p.steps = append(p.steps, steps...)
}

// Execute runs the steps in sequence on job.
//
// Cancellation is checked between steps; a step in progress is expected to
// honour ctx itself. The first step error is returned wrapped with the step
// name, so callers classify it with errors.Is.
func (p *Pipeline) Execute(ctx context.Context, job *Job) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := step.Do(ctx, job)
		if errors.Is(err, ErrHalt) {
			p.logger.Debug("pipeline halted",
				"step", step.Name(),
				"url", job.Task.Key,
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", step.Name(), err)
		}
		job.Steps = append(job.Steps, step.Name())
	}
	return nil
}

// StepCount returns the number of steps in the pipeline.
func (p *Pipeline) StepCount() int {
	return len(p.steps)
}

// StepNames returns the names of all steps in execution order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}
