// Package executor adapts an opaque analysis function to the job manager:
// it resolves declared files to absolute paths, enforces required inputs and
// brackets the call with start and end progress reports.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/analysisworker/internal/registry"
	"github.com/kiranshivaraju/analysisworker/internal/workspace"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

var (
	ErrMissingInput  = errors.New("required input file missing")
	ErrMissingOutput = errors.New("required output file missing")
)

// ProgressFunc receives a fraction in [0, 1] and a status line.
type ProgressFunc func(fraction float64, message string)

// Request is everything an analysis function gets to work with. All paths are
// absolute; output and processing directories exist.
type Request struct {
	JobID      string
	Inputs     map[string]string
	Outputs    map[string]string
	Processing map[string]string
	Params     map[string]string
}

// AnalysisFunc turns resolved inputs and parameters into output files plus a
// result payload.
type AnalysisFunc func(ctx context.Context, req Request, progress ProgressFunc) (map[string]any, error)

// Executor runs an AnalysisFunc against the registry's declarations.
type Executor struct {
	reg            *registry.Registry
	ws             *workspace.Workspace
	fn             AnalysisFunc
	requireOutputs bool
}

// New creates an Executor. With requireOutputs set, a run that leaves a
// required output absent fails with ErrMissingOutput.
func New(reg *registry.Registry, ws *workspace.Workspace, fn AnalysisFunc, requireOutputs bool) *Executor {
	return &Executor{reg: reg, ws: ws, fn: fn, requireOutputs: requireOutputs}
}

// Run resolves paths for jobID, checks required inputs and invokes the
// analysis function.
func (e *Executor) Run(ctx context.Context, jobID string, params map[string]string, progress ProgressFunc) (map[string]any, error) {
	report := clamped(progress)

	if err := e.ws.Prepare(jobID); err != nil {
		return nil, err
	}

	req := Request{
		JobID:      jobID,
		Inputs:     e.resolve(workspace.Inputs, jobID, e.reg.Inputs),
		Outputs:    e.resolve(workspace.Outputs, jobID, e.reg.Outputs),
		Processing: e.resolve(workspace.Processing, jobID, e.reg.Processing),
		Params:     params,
	}

	for _, in := range e.reg.Inputs {
		if !in.Required {
			continue
		}
		path := req.Inputs[in.Key]
		if _, ok := e.ws.Stat(path); !ok {
			return nil, fmt.Errorf("%w: '%s' (%s) not found at %s", ErrMissingInput, in.Key, in.Name, path)
		}
	}

	report(0.1, "Resolved input files")

	result, err := e.fn(ctx, req, report)
	if err != nil {
		return nil, err
	}

	if e.requireOutputs {
		for _, out := range e.reg.Outputs {
			if !out.Required {
				continue
			}
			if _, ok := e.ws.Stat(req.Outputs[out.Key]); !ok {
				return nil, fmt.Errorf("%w: '%s' (%s) was not written", ErrMissingOutput, out.Key, out.Name)
			}
		}
	}

	report(1.0, "Analysis completed")
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// Outputs lists the declared outputs of jobID that exist on disk, in
// declaration order. Absent outputs are omitted.
func (e *Executor) Outputs(jobID string) []models.OutputFile {
	files := make([]models.OutputFile, 0, len(e.reg.Outputs))
	for _, out := range e.reg.Outputs {
		path := e.ws.Path(workspace.Outputs, jobID, out.Name)
		size, ok := e.ws.Stat(path)
		if !ok {
			if out.Required {
				slog.Warn("required output not found", "job_id", jobID, "key", out.Key, "path", path)
			}
			continue
		}
		files = append(files, models.OutputFile{
			Key:         out.Key,
			Filename:    out.Name,
			DType:       out.DType,
			Description: out.Description,
			Size:        size,
			Required:    out.Required,
			Path:        path,
		})
	}
	return files
}

func (e *Executor) resolve(kind workspace.Kind, jobID string, specs []models.FileSpec) map[string]string {
	paths := make(map[string]string, len(specs))
	for _, s := range specs {
		paths[s.Key] = e.ws.Path(kind, jobID, s.Name)
	}
	return paths
}

func clamped(progress ProgressFunc) ProgressFunc {
	return func(fraction float64, message string) {
		if progress == nil {
			return
		}
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		progress(fraction, message)
	}
}
