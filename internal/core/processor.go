package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"onnx-exporter/internal/converter"
	"onnx-exporter/internal/database"
	"onnx-exporter/internal/hub"
	"onnx-exporter/internal/messaging"
	"onnx-exporter/internal/storage"

	"gorm.io/gorm"
)

type Toolkit interface {
	EnsureToolkit(ctx context.Context) error
}

type ModelConverter interface {
	Convert(ctx context.Context, modelId string, quantize bool) (converter.Result, error)

	OutputDir(modelId string) string
}

type HubClient interface {
	WhoAmI(ctx context.Context) (string, error)

	EnsureRepo(ctx context.Context, account, repoId string) error

	UploadFolder(ctx context.Context, repoId, pathInRepo, dir string) error

	Commit(ctx context.Context, repoId, summary string, files []hub.CommitFile) error

	RepoURL(repoId string) string
}

// HubFactory builds a hub client for the token resolved per job.
type HubFactory func(token string) (HubClient, error)

func DefaultHubFactory(baseURL string) HubFactory {
	return func(token string) (HubClient, error) {
		return hub.NewClient(baseURL, token)
	}
}

type CardGenerator interface {
	Generate(ctx context.Context, modelId, targetRepo string) (string, error)
}

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.Provider
	publisher messaging.Publisher
	reciever  messaging.Reciever

	toolkit   Toolkit
	converter ModelConverter
	hubs      HubFactory
	cards     CardGenerator

	archiveBucket string
	defaultToken  string

	// defaultAccount skips the whoami lookup when set. Destination repos for
	// jobs without an explicit target are created under this account.
	defaultAccount string
}

func NewTaskProcessor(db *gorm.DB, store storage.Provider, publisher messaging.Publisher, reciever messaging.Reciever, tk Toolkit, conv ModelConverter, hubs HubFactory, cards CardGenerator, archiveBucket, defaultToken, defaultAccount string) *TaskProcessor {
	return &TaskProcessor{
		db:             db,
		storage:        store,
		publisher:      publisher,
		reciever:       reciever,
		toolkit:        tk,
		converter:      conv,
		hubs:           hubs,
		cards:          cards,
		archiveBucket:  archiveBucket,
		defaultToken:   defaultToken,
		defaultAccount: defaultAccount,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.ConversionQueue:
		var payload messaging.ConversionTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling conversion task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processConversionTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// processConversionTask runs the pipeline for one job, strictly in order:
// toolkit setup, conversion, relocation, archive, upload. The first failing
// stage stops the run and is recorded on the job verbatim.
func (proc *TaskProcessor) processConversionTask(ctx context.Context, payload messaging.ConversionTaskPayload) error {
	var job database.ConversionJob
	if err := proc.db.WithContext(ctx).Preload("Artifacts").First(&job, "id = ?", payload.JobId).Error; err != nil {
		return fmt.Errorf("error loading conversion job %s: %w", payload.JobId, err)
	}

	if err := database.UpdateJobStatus(ctx, proc.db, job.Id, database.JobRunning); err != nil {
		return err
	}

	if payload.UploadOnly {
		return proc.processUploadTask(ctx, &job, payload.Token)
	}

	fail := func(stageErr error) error {
		database.FailJob(ctx, proc.db, job.Id, stageErr.Error()) //nolint:errcheck
		return stageErr
	}

	if err := proc.toolkit.EnsureToolkit(ctx); err != nil {
		return fail(fmt.Errorf("failed to setup toolkit: %w", err))
	}

	result, err := proc.converter.Convert(ctx, job.ModelId, job.Quantize)
	if result.Output != "" {
		database.SaveJobLog(ctx, proc.db, job.Id, result.Output) //nolint:errcheck
	}
	if err != nil {
		return fail(fmt.Errorf("conversion failed: %w", err))
	}
	if result.ExitCode != 0 {
		return fail(fmt.Errorf("conversion process exited with status %d", result.ExitCode))
	}

	outputDir := proc.converter.OutputDir(job.ModelId)
	artifacts, err := converter.RelocateArtifacts(outputDir)
	if err != nil {
		return fail(fmt.Errorf("failed to relocate artifacts: %w", err))
	}
	if len(artifacts) == 0 {
		return fail(errors.New("conversion produced no onnx files"))
	}

	records := make([]database.JobArtifact, len(artifacts))
	for i, artifact := range artifacts {
		records[i] = database.JobArtifact{
			JobId:      job.Id,
			RemotePath: path.Join(converter.OnnxFolder, artifact.Name),
			Size:       artifact.Size,
		}
	}
	if err := database.SaveJobArtifacts(ctx, proc.db, job.Id, records); err != nil {
		return fail(fmt.Errorf("failed to record artifacts: %w", err))
	}

	onnxDir := filepath.Join(outputDir, converter.OnnxFolder)

	if proc.storage != nil {
		if err := proc.storage.CreateBucket(ctx, proc.archiveBucket); err != nil {
			return fail(fmt.Errorf("failed to create archive bucket: %w", err))
		}
		if err := proc.storage.UploadDir(ctx, proc.archiveBucket, job.Id.String(), onnxDir); err != nil {
			return fail(fmt.Errorf("failed to archive artifacts: %w", err))
		}
	}

	// The archive copy is the surviving record of the conversion output.
	defer os.RemoveAll(outputDir)

	if job.SkipUpload {
		return database.UpdateJobStatus(ctx, proc.db, job.Id, database.JobCompleted)
	}

	return proc.uploadArtifacts(ctx, &job, onnxDir, payload.Token)
}

// processUploadTask re-runs the upload stage from the archived copy of a
// previous conversion, without reconverting.
func (proc *TaskProcessor) processUploadTask(ctx context.Context, job *database.ConversionJob, token string) error {
	fail := func(stageErr error) error {
		database.FailJob(ctx, proc.db, job.Id, stageErr.Error()) //nolint:errcheck
		return stageErr
	}

	if len(job.Artifacts) == 0 {
		return fail(errors.New("no archived artifacts to upload"))
	}
	if proc.storage == nil {
		return fail(errors.New("artifact archive is not configured"))
	}

	staging, err := os.MkdirTemp("", "onnx-upload-")
	if err != nil {
		return fail(fmt.Errorf("failed to create staging directory: %w", err))
	}
	defer os.RemoveAll(staging)

	onnxDir := filepath.Join(staging, converter.OnnxFolder)
	if err := proc.storage.DownloadDir(ctx, proc.archiveBucket, job.Id.String(), onnxDir, true); err != nil {
		return fail(fmt.Errorf("failed to restore archived artifacts: %w", err))
	}

	return proc.uploadArtifacts(ctx, job, onnxDir, token)
}

// uploadArtifacts pushes the relocated onnx/ folder to the hub and records
// the destination on the job.
func (proc *TaskProcessor) uploadArtifacts(ctx context.Context, job *database.ConversionJob, onnxDir, token string) error {
	fail := func(stageErr error) error {
		database.FailJob(ctx, proc.db, job.Id, stageErr.Error()) //nolint:errcheck
		return stageErr
	}

	if token == "" {
		token = proc.defaultToken
	}

	client, err := proc.hubs(token)
	if err != nil {
		return fail(err)
	}

	account := proc.defaultAccount
	if account == "" {
		account, err = client.WhoAmI(ctx)
		if err != nil {
			return fail(fmt.Errorf("failed to resolve account: %w", err))
		}
	}

	targetRepo := job.TargetRepo
	if targetRepo == "" {
		_, name, _ := strings.Cut(job.ModelId, "/")
		targetRepo = account + "/" + name
	}

	if err := client.EnsureRepo(ctx, account, targetRepo); err != nil {
		return fail(fmt.Errorf("failed to create repo: %w", err))
	}

	if proc.cards != nil {
		if card, err := proc.cards.Generate(ctx, job.ModelId, targetRepo); err != nil {
			slog.Warn("model card generation failed, skipping", "job_id", job.Id, "error", err)
		} else if err := client.Commit(ctx, targetRepo, "Add model card", []hub.CommitFile{{Path: "README.md", Content: []byte(card)}}); err != nil {
			slog.Warn("model card upload failed, skipping", "job_id", job.Id, "error", err)
		}
	}

	if err := client.UploadFolder(ctx, targetRepo, converter.OnnxFolder, onnxDir); err != nil {
		return fail(fmt.Errorf("upload failed: %w", err))
	}

	if err := proc.db.WithContext(ctx).Model(&database.ConversionJob{Id: job.Id}).Updates(map[string]any{
		"target_repo": targetRepo,
		"repo_url":    client.RepoURL(targetRepo),
	}).Error; err != nil {
		return fail(fmt.Errorf("failed to record upload result: %w", err))
	}

	return database.UpdateJobStatus(ctx, proc.db, job.Id, database.JobCompleted)
}
