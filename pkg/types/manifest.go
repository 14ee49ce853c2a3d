package types

import "time"

// ModelFormat identifies the on-disk/wire representation of model weights.
type ModelFormat string

const (
	FormatGGUF     ModelFormat = "GGUF"
	FormatSafeTensors ModelFormat = "SAFETENSORS"
	FormatONNX     ModelFormat = "ONNX"
)

// Artifact describes one stored model file.
type Artifact struct {
	URI       string
	Checksum  string
	SizeBytes int64
}

// ResourceRequirements captures the minimum footprint needed to load a
// model for inference.
type ResourceRequirements struct {
	MinMemoryBytes int64
	GPUCount       int
	DeviceType     string
}

// ModelManifest describes a deployable model version. Persistence of
// manifests is an external collaborator (spec §1); this type is the shape
// the execution plane reads, not a store.
type ModelManifest struct {
	ModelID      string
	DisplayName  string
	Version      string
	TenantID     string
	Artifacts    map[ModelFormat]Artifact
	Requirements ResourceRequirements
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Capabilities describes what a provider backend can do.
type Capabilities struct {
	Streaming         bool
	FunctionCalling   bool
	Multimodal        bool
	Embeddings        bool
	MaxContextTokens  int
	MaxOutputTokens   int
	SupportedFormats  []ModelFormat
	SupportedDevices  []string
	SupportedModels   []string
	SupportedLanguages []string
	Features          map[string]bool
}

// HealthState is the coarse health classification used by the router and
// the session manager (spec §4.2: degraded at >20% failures of last 10
// calls, unhealthy at >50%).
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthUnhealthy HealthState = "UNHEALTHY"
)

// ProviderDescriptor is the registry's view of a provider backend.
type ProviderDescriptor struct {
	ID           string
	Version      string
	Capabilities Capabilities
	Health       HealthState
}

// AuditStatus is the lifecycle state of an InferenceRequestRecord.
type AuditStatus string

const (
	AuditPending    AuditStatus = "PENDING"
	AuditProcessing AuditStatus = "PROCESSING"
	AuditCompleted  AuditStatus = "COMPLETED"
	AuditFailed     AuditStatus = "FAILED"
	AuditTimeout    AuditStatus = "TIMEOUT"
)

// InferenceRequestRecord is an append-only audit row (spec §3). The actual
// durable store is an external collaborator; this type is what the
// execution plane emits to it.
type InferenceRequestRecord struct {
	ID           string
	RequestID    string
	TenantID     string
	ModelID      string
	Status       AuditStatus
	LatencyMs    int64
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}
