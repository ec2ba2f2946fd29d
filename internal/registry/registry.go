// Package registry declares the named inputs, outputs, processing files and
// parameters of the analysis. It carries schema only; the executor and the
// registration client read from it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
)

// ErrInvalidParameter is returned when a parameter set does not match the
// declared parameters.
var ErrInvalidParameter = errors.New("invalid parameter")

// Registry is the static description of everything an analysis consumes and
// produces.
type Registry struct {
	Inputs     []models.FileSpec
	Outputs    []models.FileSpec
	Processing []models.FileSpec
	Params     []models.ParamSpec

	validate *validator.Validate
}

// New builds a Registry from explicit declarations.
func New(inputs, outputs, processing []models.FileSpec, params []models.ParamSpec) *Registry {
	return &Registry{
		Inputs:     inputs,
		Outputs:    outputs,
		Processing: processing,
		Params:     params,
		validate:   validator.New(),
	}
}

// Default returns the declarations of the bundled CSV analysis.
func Default() *Registry {
	return New(
		[]models.FileSpec{
			{Key: "file1", Name: "file1.csv", DType: "csv", Description: "First CSV input file", Required: true},
			{Key: "file2", Name: "file2.csv", DType: "csv", Description: "Second CSV input file", Required: true},
		},
		[]models.FileSpec{
			{Key: "results", Name: "results.json", DType: "json", Description: "Analysis results and row statistics", Required: true},
			{Key: "data", Name: "data.csv", DType: "csv", Description: "Rows of both inputs tagged with their source", Required: true},
			{Key: "insights", Name: "insights.txt", DType: "txt", Description: "Plain-text insights, written only when there are any", Required: false},
		},
		[]models.FileSpec{
			{Key: "temp_data", Name: "temp_data.csv", DType: "csv", Description: "Intermediate copy of the first input", Required: false},
		},
		[]models.ParamSpec{
			{
				Name:        "analysis_type",
				Type:        models.ParamTypeString,
				Enum:        []string{"summary", "comparison", "profile"},
				Default:     "summary",
				Description: "Type of analysis to perform",
			},
			{
				Name:        "region",
				Type:        models.ParamTypeString,
				Enum:        []string{"all", "north", "south", "east", "west"},
				Default:     "all",
				Description: "Geographic region the data belongs to",
			},
			{
				Name:        "priority",
				Type:        models.ParamTypeString,
				Enum:        []string{"normal", "high", "urgent"},
				Default:     "normal",
				Description: "Analysis priority level",
			},
		},
	)
}

// Input returns the input declaration for key.
func (r *Registry) Input(key string) (models.FileSpec, bool) {
	return find(r.Inputs, key)
}

// SupportedFormats returns the distinct input dtypes, sorted.
func (r *Registry) SupportedFormats() []string {
	seen := make(map[string]bool)
	var formats []string
	for _, f := range r.Inputs {
		if f.DType == "" || seen[f.DType] {
			continue
		}
		seen[f.DType] = true
		formats = append(formats, f.DType)
	}
	sort.Strings(formats)
	return formats
}

// ValidateParams checks params against the declared parameters and returns a
// new map with defaults applied. Unknown names are rejected.
func (r *Registry) ValidateParams(params map[string]string) (map[string]string, error) {
	declared := make(map[string]models.ParamSpec, len(r.Params))
	for _, p := range r.Params {
		declared[p.Name] = p
	}

	var unknown []string
	for name := range params {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown parameter(s) %s", ErrInvalidParameter, strings.Join(unknown, ", "))
	}

	out := make(map[string]string, len(r.Params))
	for _, p := range r.Params {
		v, ok := params[p.Name]
		if !ok || v == "" {
			if p.Required {
				return nil, fmt.Errorf("%w: %s is required", ErrInvalidParameter, p.Name)
			}
			if p.Default != "" {
				out[p.Name] = p.Default
			}
			continue
		}
		if err := r.validate.Var(v, tagFor(p)); err != nil {
			return nil, fmt.Errorf("%w: %s=%q %s", ErrInvalidParameter, p.Name, v, describe(p))
		}
		out[p.Name] = v
	}
	return out, nil
}

// tagFor builds the validator tag for a single parameter value.
func tagFor(p models.ParamSpec) string {
	tags := []string{"required"}
	switch p.Type {
	case models.ParamTypeNumber:
		tags = append(tags, "numeric")
	case models.ParamTypeInteger:
		tags = append(tags, "number")
	case models.ParamTypeBoolean:
		tags = append(tags, "boolean")
	}
	if len(p.Enum) > 0 {
		tags = append(tags, "oneof="+strings.Join(p.Enum, " "))
	}
	return strings.Join(tags, ",")
}

func describe(p models.ParamSpec) string {
	if len(p.Enum) > 0 {
		return "must be one of " + strings.Join(p.Enum, ", ")
	}
	return "must be a valid " + p.Type
}

func find(specs []models.FileSpec, key string) (models.FileSpec, bool) {
	for _, f := range specs {
		if f.Key == key {
			return f, true
		}
	}
	return models.FileSpec{}, false
}

// Metadata returns the declarations in the shape sent to the orchestrator.
func (r *Registry) Metadata(capabilities []string, maxFileSize string) models.ServiceMetadata {
	return models.ServiceMetadata{
		InputFiles:       r.Inputs,
		OutputFiles:      r.Outputs,
		Parameters:       r.Params,
		Capabilities:     capabilities,
		MaxFileSize:      maxFileSize,
		SupportedFormats: r.SupportedFormats(),
	}
}
