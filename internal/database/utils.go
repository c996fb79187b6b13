package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == JobRunning {
		updates["start_time"] = time.Now().UTC()
	}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&ConversionJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

// FailJob marks the job failed and records the error text verbatim.
func FailJob(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, errorMessage string) error {
	updates := map[string]any{
		"status":          JobFailed,
		"error":           errorMessage,
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&ConversionJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error saving job failure", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func SaveJobLog(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, output string) error {
	if err := txn.WithContext(ctx).Model(&ConversionJob{Id: jobId}).Update("log", output).Error; err != nil {
		slog.Error("error saving job log", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func SaveJobArtifacts(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, artifacts []JobArtifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	if err := txn.WithContext(ctx).
		Where("job_id = ?", jobId).
		Delete(&JobArtifact{}).
		Error; err != nil {
		return err
	}

	if err := txn.WithContext(ctx).Create(&artifacts).Error; err != nil {
		slog.Error("error saving job artifacts", "job_id", jobId, "error", err)
		return err
	}
	return nil
}
