// Package pipeline runs the warehouse stages as an explicit ordered list.
//
// A run executes its stages one after another on a single connection. The first failing
// stage aborts the run; its error is returned as a *StageError naming the stage and the
// relation. Every stage outcome, successful or not, is handed to the Recorder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type (
	// Phase groups stages in the order a run executes them.
	Phase string

	// Status is the outcome of one stage.
	Status string
)

// Phases a stage can belong to, in the order a full run visits them.
const (
	PhaseProvision Phase = "provision"
	PhaseVerify    Phase = "verify"
	PhaseLoad      Phase = "load"
	PhaseCleanse   Phase = "cleanse"
	PhaseTransform Phase = "transform"
)

// Stage outcomes recorded in the run log.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	// ErrNoStages is returned when a pipeline is created without stages.
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrInvalidStage is returned when a stage has no name or no function.
	ErrInvalidStage = errors.New("invalid stage")
)

type (
	// Stage is one unit of work. Run returns the rows it affected.
	Stage struct {
		Name     string
		Phase    Phase
		Relation string
		Run      func(ctx context.Context) (int64, error)
	}

	// StageResult is the outcome of one executed stage.
	StageResult struct {
		RunID     uuid.UUID
		Seq       int // 1-based position within the run
		Stage     string
		Phase     Phase
		Relation  string
		Rows      int64
		Status    Status
		Err       error
		StartedAt time.Time
		Duration  time.Duration
	}

	// Summary describes a finished run. Results holds every executed stage, including the
	// failing one; stages after a failure are absent.
	Summary struct {
		RunID     uuid.UUID
		StartedAt time.Time
		Duration  time.Duration
		Results   []StageResult
	}

	// Recorder persists stage outcomes.
	Recorder interface {
		Record(ctx context.Context, result StageResult) error
	}

	// StageError is returned by Run when a stage fails.
	StageError struct {
		Stage    string
		Phase    Phase
		Relation string
		Err      error
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)

	// Pipeline is an ordered list of stages.
	Pipeline struct {
		stages   []Stage
		recorder Recorder
		logger   *slog.Logger
		now      func() time.Time
	}
)

func (e *StageError) Error() string {
	if e.Relation == "" {
		return fmt.Sprintf("%s stage %q failed: %v", e.Phase, e.Stage, e.Err)
	}

	return fmt.Sprintf("%s stage %q failed on %s: %v", e.Phase, e.Stage, e.Relation, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// WithRecorder records every stage outcome with r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now for stage timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a pipeline over stages, executed in the given order.
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	for i, s := range stages {
		if s.Name == "" || s.Run == nil {
			return nil, fmt.Errorf("%w: stage %d needs a name and a function", ErrInvalidStage, i+1)
		}
	}

	p := &Pipeline{
		stages: append([]Stage(nil), stages...),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Run executes every stage in order and stops at the first failure. The summary is
// returned in both cases.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.New(),
		StartedAt: p.now(),
	}

	p.logger.Info("Pipeline run started",
		slog.String("run_id", summary.RunID.String()),
		slog.Int("stages", len(p.stages)),
	)

	for i, stage := range p.stages {
		result := p.runStage(ctx, summary.RunID, i+1, stage)
		summary.Results = append(summary.Results, result)
		p.record(ctx, result)

		if result.Err != nil {
			summary.Duration = p.now().Sub(summary.StartedAt)

			p.logger.Error("Pipeline run aborted",
				slog.String("run_id", summary.RunID.String()),
				slog.String("stage", stage.Name),
				slog.String("relation", stage.Relation),
				slog.String("error", result.Err.Error()),
			)

			return summary, &StageError{
				Stage:    stage.Name,
				Phase:    stage.Phase,
				Relation: stage.Relation,
				Err:      result.Err,
			}
		}
	}

	summary.Duration = p.now().Sub(summary.StartedAt)

	p.logger.Info("Pipeline run finished",
		slog.String("run_id", summary.RunID.String()),
		slog.Int64("rows", summary.TotalRows()),
		slog.Duration("duration", summary.Duration),
	)

	return summary, nil
}

func (p *Pipeline) runStage(ctx context.Context, runID uuid.UUID, seq int, stage Stage) StageResult {
	start := p.now()

	p.logger.Info("Stage started",
		slog.String("stage", stage.Name),
		slog.String("phase", string(stage.Phase)),
		slog.String("relation", stage.Relation),
	)

	rows, err := stage.Run(ctx)

	result := StageResult{
		RunID:     runID,
		Seq:       seq,
		Stage:     stage.Name,
		Phase:     stage.Phase,
		Relation:  stage.Relation,
		Rows:      rows,
		Status:    StatusSucceeded,
		StartedAt: start,
		Duration:  p.now().Sub(start),
	}

	if err != nil {
		result.Rows = 0
		result.Status = StatusFailed
		result.Err = err

		return result
	}

	p.logger.Info("Stage finished",
		slog.String("stage", stage.Name),
		slog.String("relation", stage.Relation),
		slog.Int64("rows", rows),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// record hands result to the recorder. A recorder failure is logged and does not change
// the outcome of the run.
func (p *Pipeline) record(ctx context.Context, result StageResult) {
	if p.recorder == nil {
		return
	}

	if err := p.recorder.Record(ctx, result); err != nil {
		p.logger.Warn("Failed to record stage outcome",
			slog.String("stage", result.Stage),
			slog.String("error", err.Error()),
		)
	}
}

// TotalRows returns the rows affected by every executed stage.
func (s *Summary) TotalRows() int64 {
	var total int64
	for _, r := range s.Results {
		total += r.Rows
	}

	return total
}

// Failed returns the failing stage result, or nil when the run succeeded.
func (s *Summary) Failed() *StageResult {
	for i := range s.Results {
		if s.Results[i].Status == StatusFailed {
			return &s.Results[i]
		}
	}

	return nil
}

// RowsByPhase returns the rows affected per phase.
func (s *Summary) RowsByPhase() map[Phase]int64 {
	rows := make(map[Phase]int64)
	for _, r := range s.Results {
		rows[r.Phase] += r.Rows
	}

	return rows
}
