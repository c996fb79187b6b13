package hub

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresToken(t *testing.T) {
	_, err := NewClient("", "")
	assert.ErrorIs(t, err, ErrMissingCredential)

	client, err := NewClient("", "hf_token")
	require.NoError(t, err)
	assert.Equal(t, "https://huggingface.co/user/model", client.RepoURL("user/model"))
}

func TestWhoAmI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/whoami-v2", r.URL.Path)
		require.Equal(t, "Bearer hf_token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"name": "user", "type": "user"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	account, err := client.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user", account)
}

func TestWhoAmIInvalidToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "bad_token")
	require.NoError(t, err)

	_, err = client.WhoAmI(context.Background())
	assert.ErrorContains(t, err, "401")
}

func TestEnsureRepo(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/repos/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"url": "ok"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	t.Run("OwnRepo", func(t *testing.T) {
		require.NoError(t, client.EnsureRepo(context.Background(), "user", "user/model-a"))
		assert.Equal(t, "model-a", body["name"])
		assert.NotContains(t, body, "organization")
	})

	t.Run("OrgRepo", func(t *testing.T) {
		require.NoError(t, client.EnsureRepo(context.Background(), "user", "some-org/model-a"))
		assert.Equal(t, "model-a", body["name"])
		assert.Equal(t, "some-org", body["organization"])
	})

	t.Run("InvalidRepoId", func(t *testing.T) {
		assert.Error(t, client.EnsureRepo(context.Background(), "user", "no-slash"))
	})
}

func TestEnsureRepoAlreadyExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	assert.NoError(t, client.EnsureRepo(context.Background(), "user", "user/model-a"))
}

// decodeCommit splits an NDJSON commit body into the summary, the inline
// files, and the lfs pointers (path to oid).
func decodeCommit(t *testing.T, body io.Reader) (summary string, files map[string][]byte, lfs map[string]string) {
	files = make(map[string][]byte)
	lfs = make(map[string]string)

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var op struct {
			Key   string         `json:"key"`
			Value map[string]any `json:"value"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &op))

		switch op.Key {
		case "header":
			summary = op.Value["summary"].(string)
		case "file":
			require.Equal(t, "base64", op.Value["encoding"])
			content, err := base64.StdEncoding.DecodeString(op.Value["content"].(string))
			require.NoError(t, err)
			files[op.Value["path"].(string)] = content
		case "lfsFile":
			require.Equal(t, "sha256", op.Value["algo"])
			require.NotZero(t, op.Value["size"])
			lfs[op.Value["path"].(string)] = op.Value["oid"].(string)
		}
	}
	require.NoError(t, scanner.Err())
	return summary, files, lfs
}

func TestCommit(t *testing.T) {
	var summary string
	var files map[string][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/preupload/main") {
			require.Equal(t, "/api/models/user/model-a/preupload/main", r.URL.Path)
			w.Write([]byte(`{"files": [{"path": "README.md", "uploadMode": "regular"}]}`)) //nolint:errcheck
			return
		}

		require.Equal(t, "/api/models/user/model-a/commit/main", r.URL.Path)
		require.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		summary, files, _ = decodeCommit(t, r.Body)
		w.Write([]byte(`{"commitUrl": "ok"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	err = client.Commit(context.Background(), "user/model-a", "Add model card", []CommitFile{
		{Path: "README.md", Content: []byte("# model-a")},
	})
	require.NoError(t, err)

	assert.Equal(t, "Add model card", summary)
	assert.Equal(t, map[string][]byte{"README.md": []byte("# model-a")}, files)
}

func TestCommitNothing(t *testing.T) {
	client, err := NewClient("http://localhost:1", "hf_token")
	require.NoError(t, err)

	assert.Error(t, client.Commit(context.Background(), "user/model-a", "empty", nil))
}

func TestUploadFolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), bytes.Repeat([]byte{0xab}, 64), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_quantized.onnx"), []byte("quantized"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ignored-subdir"), os.ModePerm))

	var summary string
	var files map[string][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/preupload/main") {
			w.Write([]byte(`{"files": []}`)) //nolint:errcheck
			return
		}
		summary, files, _ = decodeCommit(t, r.Body)
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	require.NoError(t, client.UploadFolder(context.Background(), "user/model-a", "onnx", dir))

	assert.Equal(t, "Upload onnx", summary)
	require.Len(t, files, 2)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 64), files["onnx/model.onnx"])
	assert.Equal(t, []byte("quantized"), files["onnx/model_quantized.onnx"])
}

// lfsTestServer answers preupload, batch, upload, and commit requests the way
// the hub does for lfs-tracked paths: every *.onnx file must go through the
// batch API and be committed as a pointer, inline content is rejected.
func lfsTestServer(t *testing.T, stored map[string]bool) (server *httptest.Server, state *lfsServerState) {
	state = &lfsServerState{
		uploaded: make(map[string][]byte),
	}

	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/preupload/main"):
			var req struct {
				Files []struct {
					Path string `json:"path"`
					Size int64  `json:"size"`
				} `json:"files"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			out := make([]map[string]string, len(req.Files))
			for i, file := range req.Files {
				mode := "regular"
				if strings.HasSuffix(file.Path, ".onnx") {
					mode = "lfs"
				}
				out[i] = map[string]string{"path": file.Path, "uploadMode": mode}
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"files": out}))

		case strings.HasSuffix(r.URL.Path, "/info/lfs/objects/batch"):
			require.Equal(t, "/user/model-a.git/info/lfs/objects/batch", r.URL.Path)

			var req struct {
				Objects []struct {
					Oid  string `json:"oid"`
					Size int64  `json:"size"`
				} `json:"objects"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			objects := make([]map[string]any, len(req.Objects))
			for i, object := range req.Objects {
				objects[i] = map[string]any{"oid": object.Oid, "size": object.Size}
				if !stored[object.Oid] {
					objects[i]["actions"] = map[string]any{
						"upload": map[string]any{"href": server.URL + "/lfs/" + object.Oid},
					}
				}
			}
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"objects": objects}))

		case strings.HasPrefix(r.URL.Path, "/lfs/"):
			require.Equal(t, http.MethodPut, r.Method)
			// Presigned storage URLs refuse authenticated requests.
			require.Empty(t, r.Header.Get("Authorization"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			state.uploaded[strings.TrimPrefix(r.URL.Path, "/lfs/")] = body

		case strings.HasSuffix(r.URL.Path, "/commit/main"):
			state.summary, state.files, state.lfs = decodeCommit(t, r.Body)
			w.Write([]byte(`{}`)) //nolint:errcheck

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)

	return server, state
}

type lfsServerState struct {
	summary  string
	files    map[string][]byte
	lfs      map[string]string
	uploaded map[string][]byte
}

func TestUploadFolderLFS(t *testing.T) {
	dir := t.TempDir()
	graph := bytes.Repeat([]byte{0xab}, 2048)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), graph, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0644))

	sum := sha256.Sum256(graph)
	oid := hex.EncodeToString(sum[:])

	server, state := lfsTestServer(t, nil)

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	require.NoError(t, client.UploadFolder(context.Background(), "user/model-a", "onnx", dir))

	assert.Equal(t, "Upload onnx", state.summary)

	// The graph went through the lfs upload and is committed as a pointer.
	assert.Equal(t, graph, state.uploaded[oid])
	assert.Equal(t, map[string]string{"onnx/model.onnx": oid}, state.lfs)

	// The config stays inline.
	assert.Equal(t, map[string][]byte{"onnx/config.json": []byte("{}")}, state.files)
}

func TestUploadFolderLFSAlreadyStored(t *testing.T) {
	dir := t.TempDir()
	graph := []byte("known graph bytes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), graph, 0644))

	sum := sha256.Sum256(graph)
	oid := hex.EncodeToString(sum[:])

	server, state := lfsTestServer(t, map[string]bool{oid: true})

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	require.NoError(t, client.UploadFolder(context.Background(), "user/model-a", "onnx", dir))

	// The content is not re-sent, the pointer is still committed.
	assert.Empty(t, state.uploaded)
	assert.Equal(t, map[string]string{"onnx/model.onnx": oid}, state.lfs)
}

func TestUploadFolderLFSRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("graph"), 0644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/preupload/main"):
			w.Write([]byte(`{"files": [{"path": "onnx/model.onnx", "uploadMode": "lfs"}]}`)) //nolint:errcheck
		case strings.HasSuffix(r.URL.Path, "/info/lfs/objects/batch"):
			var req struct {
				Objects []struct {
					Oid  string `json:"oid"`
					Size int64  `json:"size"`
				} `json:"objects"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			fmt.Fprintf(w, `{"objects": [{"oid": %q, "size": %d, "error": {"message": "storage quota exceeded"}}]}`,
				req.Objects[0].Oid, req.Objects[0].Size)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "hf_token")
	require.NoError(t, err)

	err = client.UploadFolder(context.Background(), "user/model-a", "onnx", dir)
	assert.ErrorContains(t, err, "storage quota exceeded")
}

func TestUploadFolderEmpty(t *testing.T) {
	client, err := NewClient("http://localhost:1", "hf_token")
	require.NoError(t, err)

	assert.Error(t, client.UploadFolder(context.Background(), "user/model-a", "onnx", t.TempDir()))
}
