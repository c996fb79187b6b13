package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

type ConversionJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	// ModelId is the source model on the hub, e.g. "org/model-a".
	ModelId string `gorm:"not null"`

	// TargetRepo is the destination repository. Resolved from the account
	// name at upload time when empty.
	TargetRepo string

	Status string `gorm:"size:20;not null"`

	Quantize   bool
	SkipUpload bool

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	// Log holds the combined output of the conversion process, verbatim.
	Log   string
	Error string

	RepoURL string

	Artifacts []JobArtifact `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

type JobArtifact struct {
	JobId uuid.UUID `gorm:"type:uuid;primaryKey"`

	// RemotePath is the path of the file in the target repository, always
	// under the onnx/ folder.
	RemotePath string `gorm:"primaryKey"`

	Size int64
}
