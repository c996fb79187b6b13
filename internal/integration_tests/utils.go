package integrationtests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"onnx-exporter/internal/messaging"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioUsername = "admin"
	minioPassword = "password"
)

func setupMinioContainer(t *testing.T, ctx context.Context) string {
	minioContainer, err := minio.Run(
		ctx,
		"minio/minio:RELEASE.2024-01-16T16-07-38Z",
		minio.WithUsername(minioUsername),
		minio.WithPassword(minioPassword),
	)
	require.NoError(t, err, "Failed to start MinIO container")

	t.Cleanup(func() {
		err := minioContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate MinIO container")
	})

	connStr, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get MinIO connection string")

	return "http://" + connStr
}

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func setupRabbitMQContainer(t *testing.T, ctx context.Context) (*messaging.RabbitMQPublisher, *messaging.RabbitMQReciever) {
	rabbitmqContainer, err := rabbitmq.Run(ctx, "rabbitmq:3.12.11-management-alpine")
	require.NoError(t, err, "Failed to start RabbitMQ container")

	t.Cleanup(func() {
		err := rabbitmqContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate RabbitMQ container")
	})

	connStr, err := rabbitmqContainer.AmqpURL(ctx)
	require.NoError(t, err, "Failed to get RabbitMQ AMQP URL")

	publisher, err := messaging.NewRabbitMQPublisher(connStr)
	require.NoError(t, err, "Failed to create publisher")
	t.Cleanup(publisher.Close)

	reciever, err := messaging.NewRabbitMQReciever(connStr)
	require.NoError(t, err, "Failed to create reciever")
	t.Cleanup(reciever.Close)

	return publisher, reciever
}

// createToolkit lays out a toolkit directory and a stand-in interpreter that
// writes an onnx file for the requested model, mimicking the conversion
// script's output layout.
func createToolkit(t *testing.T, dir string) string {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), os.ModePerm))

	script := filepath.Join(dir, "fake-python")
	content := `#!/bin/sh
for last; do :; done
mkdir -p "models/$last/"
printf 'onnx graph bytes' > "models/$last/model.onnx"
echo "converted $last"
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0755))

	return script
}

type hubCall struct {
	Path string
	Body []byte
}

// fakeHubServer records the repo creation, lfs and commit requests an upload
// makes. Files ending in .onnx are flagged for lfs upload, matching the
// gitattributes of a real model repo.
func fakeHubServer(t *testing.T, account string) (*httptest.Server, *[]hubCall) {
	var calls []hubCall

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		calls = append(calls, hubCall{Path: r.URL.Path, Body: body})

		switch {
		case r.URL.Path == "/api/whoami-v2":
			fmt.Fprintf(w, `{"name": %q}`, account) //nolint:errcheck
		case r.URL.Path == "/api/repos/create":
			w.Write([]byte(`{}`)) //nolint:errcheck
		case strings.HasSuffix(r.URL.Path, "/preupload/main"):
			var request struct {
				Files []struct {
					Path string `json:"path"`
				} `json:"files"`
			}
			require.NoError(t, json.Unmarshal(body, &request))

			files := make([]map[string]string, len(request.Files))
			for i, file := range request.Files {
				mode := "regular"
				if strings.HasSuffix(file.Path, ".onnx") {
					mode = "lfs"
				}
				files[i] = map[string]string{"path": file.Path, "uploadMode": mode}
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"files": files}))
		case strings.HasSuffix(r.URL.Path, "/info/lfs/objects/batch"):
			var request struct {
				Objects []struct {
					Oid  string `json:"oid"`
					Size int64  `json:"size"`
				} `json:"objects"`
			}
			require.NoError(t, json.Unmarshal(body, &request))

			objects := make([]map[string]any, len(request.Objects))
			for i, object := range request.Objects {
				objects[i] = map[string]any{
					"oid":  object.Oid,
					"size": object.Size,
					"actions": map[string]any{
						"upload": map[string]any{"href": server.URL + "/lfs/" + object.Oid},
					},
				}
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"objects": objects}))
		case strings.HasPrefix(r.URL.Path, "/lfs/"):
			require.Equal(t, http.MethodPut, r.Method)
			require.Empty(t, r.Header.Get("Authorization"))
		default:
			w.Write([]byte(`{}`)) //nolint:errcheck
		}
	}))
	t.Cleanup(server.Close)

	return server, &calls
}

func httpRequest(api http.Handler, method, endpoint string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBody)
	}

	req := httptest.NewRequest(method, endpoint, body)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	api.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		return fmt.Errorf("expected status code 200, got %d: %v", rr.Code, rr.Body.String())
	}

	if dest != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}
