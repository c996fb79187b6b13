package api

import (
	"time"

	"github.com/google/uuid"
)

type Artifact struct {
	RemotePath string
	Size       int64
}

type Conversion struct {
	Id uuid.UUID

	ModelId    string
	TargetRepo string
	Status     string

	Quantize   bool
	SkipUpload bool

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	RepoURL string `json:"RepoURL,omitempty"`
	Error   string `json:"Error,omitempty"`

	Artifacts []Artifact `json:"Artifacts,omitempty"`
}

type CreateConversionRequest struct {
	ModelId string

	// TargetRepo overrides the default "<account>/<model-name>" destination.
	TargetRepo string

	// Token is a write token used for this job only. Falls back to the
	// server's configured token when empty.
	Token string

	Quantize   *bool
	SkipUpload bool
}

type CreateConversionResponse struct {
	JobId uuid.UUID
}

type ConversionLogs struct {
	JobId uuid.UUID
	Log   string
}

type ListConversionsResponse struct {
	Conversions []Conversion
	Total       int
}

type UploadConversionRequest struct {
	// Token is a write token used for this upload only. Falls back to the
	// server's configured token when empty.
	Token string

	// TargetRepo overrides the job's recorded destination.
	TargetRepo string
}
