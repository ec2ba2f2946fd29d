package registry_test

import (
	"testing"

	"github.com/kiranshivaraju/analysisworker/internal/registry"
	"github.com/kiranshivaraju/analysisworker/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_DeclaresTwoRequiredCSVInputs(t *testing.T) {
	reg := registry.Default()

	require.Len(t, reg.Inputs, 2)
	for _, in := range reg.Inputs {
		assert.True(t, in.Required, in.Key)
		assert.Equal(t, "csv", in.DType)
	}

	f, ok := reg.Input("file2")
	require.True(t, ok)
	assert.Equal(t, "file2.csv", f.Name)

	_, ok = reg.Input("file2.csv")
	assert.False(t, ok)
}

func TestSupportedFormats_DistinctAndSorted(t *testing.T) {
	reg := registry.New(
		[]models.FileSpec{
			{Key: "a", Name: "a.xlsx", DType: "xlsx"},
			{Key: "b", Name: "b.csv", DType: "csv"},
			{Key: "c", Name: "c.csv", DType: "csv"},
			{Key: "d", Name: "d"},
		}, nil, nil, nil)

	assert.Equal(t, []string{"csv", "xlsx"}, reg.SupportedFormats())
}

func TestValidateParams_AppliesDefaults(t *testing.T) {
	reg := registry.Default()

	got, err := reg.ValidateParams(nil)
	require.NoError(t, err)
	assert.Equal(t, "summary", got["analysis_type"])
	assert.Equal(t, "all", got["region"])
	assert.Equal(t, "normal", got["priority"])
}

func TestValidateParams_KeepsValidValues(t *testing.T) {
	reg := registry.Default()

	got, err := reg.ValidateParams(map[string]string{"region": "north", "priority": "urgent"})
	require.NoError(t, err)
	assert.Equal(t, "north", got["region"])
	assert.Equal(t, "urgent", got["priority"])
}

func TestValidateParams_RejectsOutOfEnum(t *testing.T) {
	reg := registry.Default()

	_, err := reg.ValidateParams(map[string]string{"region": "moon"})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "region")
}

func TestValidateParams_RejectsUnknown(t *testing.T) {
	reg := registry.Default()

	_, err := reg.ValidateParams(map[string]string{"colour": "red", "answer": "42"})
	require.ErrorIs(t, err, registry.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "answer, colour")
}

func TestValidateParams_TypedAndRequired(t *testing.T) {
	reg := registry.New(nil, nil, nil, []models.ParamSpec{
		{Name: "threshold", Type: models.ParamTypeNumber, Required: true},
		{Name: "limit", Type: models.ParamTypeInteger},
		{Name: "verbose", Type: models.ParamTypeBoolean},
	})

	_, err := reg.ValidateParams(map[string]string{})
	require.ErrorIs(t, err, registry.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "threshold is required")

	_, err = reg.ValidateParams(map[string]string{"threshold": "abc"})
	require.ErrorIs(t, err, registry.ErrInvalidParameter)

	_, err = reg.ValidateParams(map[string]string{"threshold": "0.5", "limit": "1.5"})
	require.ErrorIs(t, err, registry.ErrInvalidParameter)

	_, err = reg.ValidateParams(map[string]string{"threshold": "0.5", "verbose": "maybe"})
	require.ErrorIs(t, err, registry.ErrInvalidParameter)

	got, err := reg.ValidateParams(map[string]string{"threshold": "0.5", "limit": "10", "verbose": "true"})
	require.NoError(t, err)
	assert.Equal(t, "10", got["limit"])
}

func TestMetadata(t *testing.T) {
	reg := registry.Default()

	md := reg.Metadata([]string{"csv_processing"}, "10MB")

	assert.Equal(t, reg.Inputs, md.InputFiles)
	assert.Equal(t, reg.Outputs, md.OutputFiles)
	assert.Equal(t, reg.Params, md.Parameters)
	assert.Equal(t, []string{"csv_processing"}, md.Capabilities)
	assert.Equal(t, "10MB", md.MaxFileSize)
	assert.Equal(t, []string{"csv"}, md.SupportedFormats)
}
