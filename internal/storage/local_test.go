package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestProvider(t *testing.T) (*LocalProvider, string) {
	t.Helper()
	dir := t.TempDir()
	provider, err := NewLocalProvider(dir)
	require.NoError(t, err)
	return provider, dir
}

func TestLocalProvider_PutObject(t *testing.T) {
	provider, baseDir := setupTestProvider(t)

	bucket := "artifacts"
	key := "job-1/onnx/model.onnx"
	content := []byte("graph bytes")

	err := provider.PutObject(context.Background(), bucket, key, bytes.NewReader(content))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, bucket, key))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalProvider_GetObject(t *testing.T) {
	provider, _ := setupTestProvider(t)

	content := []byte("graph bytes")
	require.NoError(t, provider.PutObject(context.Background(), "artifacts", "model.onnx", bytes.NewReader(content)))

	data, err := provider.GetObject(context.Background(), "artifacts", "model.onnx")
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = provider.GetObject(context.Background(), "artifacts", "missing.onnx")
	assert.Error(t, err)
}

func TestLocalProvider_CreateBucket(t *testing.T) {
	provider, baseDir := setupTestProvider(t)

	require.NoError(t, provider.CreateBucket(context.Background(), "artifacts"))

	info, err := os.Stat(filepath.Join(baseDir, "artifacts"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Creating the same bucket again is fine.
	require.NoError(t, provider.CreateBucket(context.Background(), "artifacts"))
}

func TestLocalProvider_ListObjects(t *testing.T) {
	provider, _ := setupTestProvider(t)

	files := map[string]string{
		"job-1/onnx/model.onnx":           "aaaa",
		"job-1/onnx/model_quantized.onnx": "bb",
		"job-2/onnx/model.onnx":           "cccccc",
	}
	for key, content := range files {
		require.NoError(t, provider.PutObject(context.Background(), "artifacts", key, bytes.NewReader([]byte(content))))
	}

	objects, err := provider.ListObjects(context.Background(), "artifacts", "job-1/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Object{
		{Name: "job-1/onnx/model.onnx", Size: 4},
		{Name: "job-1/onnx/model_quantized.onnx", Size: 2},
	}, objects)

	all, err := provider.ListObjects(context.Background(), "artifacts", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalProvider_ListObjectsMissingBucket(t *testing.T) {
	provider, _ := setupTestProvider(t)

	objects, err := provider.ListObjects(context.Background(), "nope", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestLocalProvider_UploadDir(t *testing.T) {
	provider, baseDir := setupTestProvider(t)

	srcDir := t.TempDir()
	files := []string{"model.onnx", "model_quantized.onnx", "subdir/extra.onnx"}
	for _, file := range files {
		path := filepath.Join(srcDir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
		require.NoError(t, os.WriteFile(path, []byte("content"), os.ModePerm))
	}

	err := provider.UploadDir(context.Background(), "artifacts", "job-1", srcDir)
	require.NoError(t, err)

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(baseDir, "artifacts", "job-1", file))
		require.NoError(t, err)
		assert.Equal(t, "content", string(data))
	}
}

func TestLocalProvider_DownloadDir(t *testing.T) {
	provider, _ := setupTestProvider(t)

	files := []string{"model.onnx", "subdir/extra.onnx"}
	for _, file := range files {
		require.NoError(t, provider.PutObject(context.Background(), "artifacts", "job-1/"+file, bytes.NewReader([]byte("content"))))
	}

	destDir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, provider.DownloadDir(context.Background(), "artifacts", "job-1", destDir, false))

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(destDir, file))
		require.NoError(t, err)
		assert.Equal(t, "content", string(data))
	}

	// Without overwrite an existing destination is refused.
	err := provider.DownloadDir(context.Background(), "artifacts", "job-1", destDir, false)
	require.Error(t, err)

	require.NoError(t, provider.DownloadDir(context.Background(), "artifacts", "job-1", destDir, true))
}

func TestLocalProvider_DeleteObjects(t *testing.T) {
	provider, baseDir := setupTestProvider(t)

	files := []string{"job-1/model.onnx", "job-1/model_quantized.onnx", "job-2/model.onnx"}
	for _, file := range files {
		require.NoError(t, provider.PutObject(context.Background(), "artifacts", file, bytes.NewReader([]byte("content"))))
	}

	require.NoError(t, provider.DeleteObjects(context.Background(), "artifacts", "job-1/"))

	for _, file := range []string{"job-1/model.onnx", "job-1/model_quantized.onnx"} {
		_, err := os.Stat(filepath.Join(baseDir, "artifacts", file))
		assert.True(t, os.IsNotExist(err), "object %s should be deleted", file)
	}

	_, err := os.Stat(filepath.Join(baseDir, "artifacts", "job-2/model.onnx"))
	assert.NoError(t, err)
}
