package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"onnx-exporter/internal/core"
	"onnx-exporter/internal/database"
	"onnx-exporter/internal/messaging"
	"onnx-exporter/internal/storage"
	"onnx-exporter/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultListLimit = 50

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher

	store         storage.Provider
	archiveBucket string
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, store storage.Provider, archiveBucket string) *BackendService {
	return &BackendService{db: db, publisher: publisher, store: store, archiveBucket: archiveBucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/conversions", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateConversion))
		r.Get("/", RestHandler(s.ListConversions))
		r.Get("/{job_id}", RestHandler(s.GetConversion))
		r.Delete("/{job_id}", RestHandler(s.DeleteConversion))
		r.Get("/{job_id}/logs", RestHandler(s.GetConversionLogs))
		r.Post("/{job_id}/upload", RestHandler(s.RequestUpload))
		r.Get("/{job_id}/artifacts/{name}", s.DownloadArtifact)
	})
}

func (s *BackendService) loadJob(r *http.Request, preloadArtifacts bool) (*database.ConversionJob, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context())
	if preloadArtifacts {
		query = query.Preload("Artifacts")
	}

	var job database.ConversionJob
	if err := query.First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "conversion job not found")
		}
		slog.Error("error getting conversion job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving conversion job")
	}

	return &job, nil
}

func (s *BackendService) CreateConversion(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateConversionRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateRepoId("model id", req.ModelId); err != nil {
		return nil, err
	}
	if req.TargetRepo != "" {
		if err := validateRepoId("target repo", req.TargetRepo); err != nil {
			return nil, err
		}
	}

	quantize := true
	if req.Quantize != nil {
		quantize = *req.Quantize
	}

	ctx := r.Context()

	job := &database.ConversionJob{
		Id:           uuid.New(),
		ModelId:      req.ModelId,
		TargetRepo:   req.TargetRepo,
		Status:       database.JobQueued,
		Quantize:     quantize,
		SkipUpload:   req.SkipUpload,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		slog.Error("error creating conversion job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create conversion job")
	}

	payload := messaging.ConversionTaskPayload{
		JobId: job.Id,
		Token: req.Token,
	}

	if err := s.publisher.PublishConversionTask(ctx, payload); err != nil {
		slog.Error("error publishing conversion task", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue conversion task")
	}

	slog.Info("submitted conversion job", "job_id", job.Id, "model_id", req.ModelId)
	return api.CreateConversionResponse{JobId: job.Id}, nil
}

type listConversionsParams struct {
	Status string `schema:"status"`
	Query  string `schema:"query"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}

func (s *BackendService) ListConversions(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[listConversionsParams](r)
	if err != nil {
		return nil, err
	}

	var filter core.Filter
	if params.Query != "" {
		filter, err = core.ParseQuery(params.Query)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid query: %v", err)
		}
	}

	ctx := r.Context()

	query := s.db.WithContext(ctx).Preload("Artifacts").Order("creation_time DESC")
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var jobs []database.ConversionJob
	if err := query.Find(&jobs).Error; err != nil {
		slog.Error("error listing conversion jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving conversion jobs")
	}

	var matched []database.ConversionJob
	for i := range jobs {
		if filter == nil || filter.Matches(&jobs[i]) {
			matched = append(matched, jobs[i])
		}
	}

	total := len(matched)

	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := min(max(params.Offset, 0), total)
	matched = matched[offset:min(offset+limit, total)]

	conversions := make([]api.Conversion, len(matched))
	for i := range matched {
		conversions[i] = toApiConversion(&matched[i])
	}

	return api.ListConversionsResponse{Conversions: conversions, Total: total}, nil
}

func (s *BackendService) GetConversion(r *http.Request) (any, error) {
	job, err := s.loadJob(r, true)
	if err != nil {
		return nil, err
	}

	return toApiConversion(job), nil
}

func (s *BackendService) GetConversionLogs(r *http.Request) (any, error) {
	job, err := s.loadJob(r, false)
	if err != nil {
		return nil, err
	}

	return api.ConversionLogs{JobId: job.Id, Log: job.Log}, nil
}

// RequestUpload re-queues the upload stage of a finished job using the
// archived artifacts, so a failed or skipped upload can be retried without
// reconverting.
func (s *BackendService) RequestUpload(r *http.Request) (any, error) {
	req, err := ParseRequest[api.UploadConversionRequest](r)
	if err != nil {
		return nil, err
	}

	job, err := s.loadJob(r, true)
	if err != nil {
		return nil, err
	}

	if job.Status == database.JobQueued || job.Status == database.JobRunning {
		return nil, CodedErrorf(http.StatusConflict, "conversion job is still in progress")
	}
	if len(job.Artifacts) == 0 {
		return nil, CodedErrorf(http.StatusConflict, "conversion job has no archived artifacts")
	}

	ctx := r.Context()

	updates := map[string]any{"status": database.JobQueued, "error": ""}
	if req.TargetRepo != "" {
		if err := validateRepoId("target repo", req.TargetRepo); err != nil {
			return nil, err
		}
		updates["target_repo"] = req.TargetRepo
	}
	if err := s.db.WithContext(ctx).Model(&database.ConversionJob{Id: job.Id}).Updates(updates).Error; err != nil {
		slog.Error("error requeueing conversion job", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to requeue conversion job")
	}

	payload := messaging.ConversionTaskPayload{JobId: job.Id, Token: req.Token, UploadOnly: true}
	if err := s.publisher.PublishConversionTask(ctx, payload); err != nil {
		slog.Error("error publishing upload task", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue upload task")
	}

	slog.Info("submitted upload retry", "job_id", job.Id)
	return api.CreateConversionResponse{JobId: job.Id}, nil
}

// DeleteConversion removes the job record and its archived artifacts.
func (s *BackendService) DeleteConversion(r *http.Request) (any, error) {
	job, err := s.loadJob(r, true)
	if err != nil {
		return nil, err
	}

	if job.Status == database.JobRunning {
		return nil, CodedErrorf(http.StatusConflict, "conversion job is running")
	}

	ctx := r.Context()

	if s.store != nil && len(job.Artifacts) > 0 {
		if err := s.store.DeleteObjects(ctx, s.archiveBucket, job.Id.String()); err != nil {
			slog.Error("error deleting archived artifacts", "job_id", job.Id, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete archived artifacts")
		}
	}

	if err := s.db.WithContext(ctx).Where("job_id = ?", job.Id).Delete(&database.JobArtifact{}).Error; err != nil {
		slog.Error("error deleting job artifacts", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete conversion job")
	}
	if err := s.db.WithContext(ctx).Delete(&database.ConversionJob{Id: job.Id}).Error; err != nil {
		slog.Error("error deleting conversion job", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to delete conversion job")
	}

	slog.Info("deleted conversion job", "job_id", job.Id)
	return nil, nil
}

// DownloadArtifact streams one archived artifact back to the caller. The
// response is the raw file, not json, so this bypasses RestHandler.
func (s *BackendService) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	job, err := s.loadJob(r, true)
	if err != nil {
		writeError(w, err)
		return
	}

	name := chi.URLParam(r, "name")

	found := false
	for _, artifact := range job.Artifacts {
		if path.Base(artifact.RemotePath) == name {
			found = true
			break
		}
	}
	if !found {
		writeError(w, CodedErrorf(http.StatusNotFound, "artifact not found"))
		return
	}

	if s.store == nil {
		writeError(w, CodedErrorf(http.StatusNotFound, "artifact archive is not configured"))
		return
	}

	data, err := s.store.GetObject(r.Context(), s.archiveBucket, job.Id.String()+"/"+name)
	if err != nil {
		slog.Error("error reading archived artifact", "job_id", job.Id, "name", name, "error", err)
		writeError(w, CodedErrorf(http.StatusInternalServerError, "error reading archived artifact"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data) //nolint:errcheck
}

func toApiConversion(job *database.ConversionJob) api.Conversion {
	conversion := api.Conversion{
		Id:           job.Id,
		ModelId:      job.ModelId,
		TargetRepo:   job.TargetRepo,
		Status:       job.Status,
		Quantize:     job.Quantize,
		SkipUpload:   job.SkipUpload,
		CreationTime: job.CreationTime,
		RepoURL:      job.RepoURL,
		Error:        job.Error,
	}

	if job.StartTime.Valid {
		t := job.StartTime.Time
		conversion.StartTime = &t
	}
	if job.CompletionTime.Valid {
		t := job.CompletionTime.Time
		conversion.CompletionTime = &t
	}

	for _, artifact := range job.Artifacts {
		conversion.Artifacts = append(conversion.Artifacts, api.Artifact{
			RemotePath: artifact.RemotePath,
			Size:       artifact.Size,
		})
	}

	return conversion
}
