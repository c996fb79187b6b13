package cmd

import (
	"context"
	"flag"
	"log"

	"onnx-exporter/internal/converter"
	"onnx-exporter/internal/core"
	"onnx-exporter/internal/database"
	"onnx-exporter/internal/messaging"
	"onnx-exporter/internal/modelcard"
	"onnx-exporter/internal/storage"
	"onnx-exporter/internal/toolkit"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// PipelineConfig carries everything a conversion worker needs. Embedded into
// the per-binary configs so the env surface stays identical across binaries.
type PipelineConfig struct {
	ToolkitDir     string `env:"TOOLKIT_DIR" envDefault:"./transformers.js"`
	ToolkitVersion string `env:"TOOLKIT_VERSION" envDefault:"3.0.0"`
	ToolkitBaseURL string `env:"TOOLKIT_BASE_URL" envDefault:""`
	PythonBin      string `env:"PYTHON_BIN" envDefault:"python3"`
	PresetsPath    string `env:"CONVERSION_PRESETS" envDefault:""`

	HFBaseURL string `env:"HF_BASE_URL" envDefault:"https://huggingface.co"`
	HFToken   string `env:"HF_TOKEN" envDefault:""`

	// HFUsername skips the whoami lookup at upload time when set.
	HFUsername string `env:"HF_USERNAME" envDefault:""`

	ArchiveBucket     string `env:"ARCHIVE_BUCKET" envDefault:"artifacts"`
	ArtifactDir       string `env:"ARTIFACT_DIR" envDefault:"./artifacts"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`

	GenerateModelCards bool   `env:"GENERATE_MODEL_CARDS" envDefault:"false"`
	OpenAIModel        string `env:"OPENAI_MODEL" envDefault:""`
}

// CreateStorageProvider picks the artifact archive backend: S3 when an
// endpoint is configured, a local directory otherwise.
func CreateStorageProvider(cfg PipelineConfig) (storage.Provider, error) {
	if cfg.S3EndpointURL != "" {
		return storage.NewS3Provider(storage.S3ClientConfig{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	}
	return storage.NewLocalProvider(cfg.ArtifactDir)
}

func CreateTaskProcessor(db *gorm.DB, store storage.Provider, publisher messaging.Publisher, reciever messaging.Reciever, cfg PipelineConfig, showProgress bool) *core.TaskProcessor {
	presets, err := converter.LoadPresets(cfg.PresetsPath)
	if err != nil {
		log.Fatalf("Failed to load conversion presets: %v", err)
	}

	fetcher := toolkit.NewFetcher(cfg.ToolkitBaseURL, cfg.ToolkitVersion, cfg.ToolkitDir, showProgress)
	conv := converter.New(fetcher.Dir(), cfg.PythonBin, presets)

	var cards core.CardGenerator
	if cfg.GenerateModelCards {
		cards = modelcard.NewGenerator(cfg.OpenAIModel)
	}

	return core.NewTaskProcessor(
		db,
		store,
		publisher,
		reciever,
		fetcher,
		conv,
		core.DefaultHubFactory(cfg.HFBaseURL),
		cards,
		cfg.ArchiveBucket,
		cfg.HFToken,
		cfg.HFUsername,
	)
}

// RequeuePendingJobs republishes jobs that were still queued when the
// process last stopped. Tokens are not persisted, so recovered jobs upload
// with the server token only.
func RequeuePendingJobs(db *gorm.DB, publisher messaging.Publisher) error {
	var jobs []database.ConversionJob
	if err := db.Where("status = ?", database.JobQueued).Find(&jobs).Error; err != nil {
		return err
	}

	for _, job := range jobs {
		if err := publisher.PublishConversionTask(context.Background(), messaging.ConversionTaskPayload{
			JobId: job.Id,
		}); err != nil {
			return err
		}
	}

	return nil
}
