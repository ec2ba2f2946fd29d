package models

// FileSpec declares one named input, output or processing file.
type FileSpec struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	DType       string `json:"dtype"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ParamSpec declares one analysis parameter.
type ParamSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Enum        []string `json:"enum,omitempty"`
	Default     string   `json:"default,omitempty"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
}

// Parameter types understood by the registry.
const (
	ParamTypeString  = "string"
	ParamTypeNumber  = "number"
	ParamTypeInteger = "integer"
	ParamTypeBoolean = "boolean"
)

// ServiceRecord is the capability descriptor announced to the orchestrator.
// It is built once at startup and never mutated.
type ServiceRecord struct {
	ServiceName    string          `json:"service_name"`
	ServiceType    string          `json:"service_type"`
	BaseURL        string          `json:"base_url"`
	HealthEndpoint string          `json:"health_endpoint"`
	InfoEndpoint   string          `json:"info_endpoint"`
	Version        string          `json:"version"`
	Description    string          `json:"description"`
	Metadata       ServiceMetadata `json:"service_metadata"`
}

// ServiceMetadata carries the declared schema and limits of the service.
type ServiceMetadata struct {
	InputFiles       []FileSpec  `json:"input_files"`
	OutputFiles      []FileSpec  `json:"output_files"`
	Parameters       []ParamSpec `json:"parameters"`
	Capabilities     []string    `json:"capabilities"`
	MaxFileSize      string      `json:"max_file_size"`
	SupportedFormats []string    `json:"supported_formats"`
}
