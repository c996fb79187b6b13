package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	ConversionQueue = "conversion_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type ConversionTaskPayload struct {
	JobId uuid.UUID

	// Token is carried on the task rather than the job record so that write
	// tokens are never persisted.
	Token string

	// UploadOnly re-runs the upload stage from the archived artifacts,
	// skipping conversion.
	UploadOnly bool
}

type Publisher interface {
	PublishConversionTask(ctx context.Context, payload ConversionTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
