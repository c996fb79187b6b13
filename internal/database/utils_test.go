package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, GetMigrator(db).Migrate())

	return db
}

func createJob(t *testing.T, db *gorm.DB) uuid.UUID {
	jobId := uuid.New()
	require.NoError(t, db.Create(&ConversionJob{Id: jobId, ModelId: "org/model-a", Status: JobQueued}).Error)
	return jobId
}

func TestUpdateJobStatus(t *testing.T) {
	db := newTestDB(t)
	jobId := createJob(t, db)

	ctx := context.Background()

	require.NoError(t, UpdateJobStatus(ctx, db, jobId, JobRunning))

	var job ConversionJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, JobRunning, job.Status)
	assert.True(t, job.StartTime.Valid)
	assert.False(t, job.CompletionTime.Valid)

	require.NoError(t, UpdateJobStatus(ctx, db, jobId, JobCompleted))

	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, JobCompleted, job.Status)
	assert.True(t, job.CompletionTime.Valid)
}

func TestFailJob(t *testing.T) {
	db := newTestDB(t)
	jobId := createJob(t, db)

	require.NoError(t, FailJob(context.Background(), db, jobId, "conversion process exited with status 1"))

	var job ConversionJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "conversion process exited with status 1", job.Error)
	assert.True(t, job.CompletionTime.Valid)
}

func TestSaveJobLog(t *testing.T) {
	db := newTestDB(t)
	jobId := createJob(t, db)

	require.NoError(t, SaveJobLog(context.Background(), db, jobId, "converting model...\ndone"))

	var job ConversionJob
	require.NoError(t, db.First(&job, "id = ?", jobId).Error)
	assert.Equal(t, "converting model...\ndone", job.Log)
}

func TestSaveJobArtifacts(t *testing.T) {
	db := newTestDB(t)
	jobId := createJob(t, db)

	ctx := context.Background()

	require.NoError(t, SaveJobArtifacts(ctx, db, jobId, []JobArtifact{
		{JobId: jobId, RemotePath: "onnx/model.onnx", Size: 1024},
		{JobId: jobId, RemotePath: "onnx/model_quantized.onnx", Size: 512},
	}))

	// Saving again replaces prior records instead of accumulating.
	require.NoError(t, SaveJobArtifacts(ctx, db, jobId, []JobArtifact{
		{JobId: jobId, RemotePath: "onnx/model.onnx", Size: 2048},
	}))

	var job ConversionJob
	require.NoError(t, db.Preload("Artifacts").First(&job, "id = ?", jobId).Error)
	require.Len(t, job.Artifacts, 1)
	assert.Equal(t, "onnx/model.onnx", job.Artifacts[0].RemotePath)
	assert.Equal(t, int64(2048), job.Artifacts[0].Size)
}

func TestSaveJobArtifactsEmpty(t *testing.T) {
	db := newTestDB(t)
	jobId := createJob(t, db)

	assert.NoError(t, SaveJobArtifacts(context.Background(), db, jobId, nil))
}
