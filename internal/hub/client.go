package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://huggingface.co"

	requestTimeout = 30 * time.Second
)

// ErrMissingCredential is returned when an upload is attempted without a
// resolvable write token.
var ErrMissingCredential = errors.New("missing credential: no hugging face write token available")

type Client struct {
	client *resty.Client

	// uploads carries no auth header. LFS upload URLs are presigned and
	// reject requests with an Authorization header attached.
	uploads *resty.Client
}

func NewClient(baseURL, token string) (*Client, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		client:  resty.New().SetBaseURL(baseURL).SetAuthToken(token),
		uploads: resty.New(),
	}, nil
}

type whoAmIResponse struct {
	Name string `json:"name"`
}

// WhoAmI resolves the account name the token belongs to.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	res, err := c.client.R().
		SetContext(ctx).
		Get("/api/whoami-v2")
	if err != nil {
		return "", fmt.Errorf("whoami request failed: %w", err)
	}

	if !res.IsSuccess() {
		return "", fmt.Errorf("whoami returned %d: %s", res.StatusCode(), res.String())
	}

	var who whoAmIResponse
	if err := json.Unmarshal(res.Body(), &who); err != nil {
		return "", fmt.Errorf("error parsing whoami response: %w", err)
	}

	return who.Name, nil
}

// EnsureRepo creates the model repository if it does not exist. An already
// existing repository is not an error.
func (c *Client) EnsureRepo(ctx context.Context, account, repoId string) error {
	owner, name, ok := strings.Cut(repoId, "/")
	if !ok {
		return fmt.Errorf("invalid repo id '%s', expected <owner>/<name>", repoId)
	}

	body := map[string]any{
		"type": "model",
		"name": name,
	}
	if owner != account {
		body["organization"] = owner
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/api/repos/create")
	if err != nil {
		return fmt.Errorf("create repo request failed: %w", err)
	}

	if res.StatusCode() == http.StatusConflict {
		slog.Info("repo already exists", "repo", repoId)
		return nil
	}

	if !res.IsSuccess() {
		return fmt.Errorf("create repo returned %d: %s", res.StatusCode(), res.String())
	}

	slog.Info("repo created", "repo", repoId)
	return nil
}

type CommitFile struct {
	// Path of the file in the repository.
	Path    string
	Content []byte
}

type commitOperation struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// The server samples the head of each file to decide the upload mode.
const preuploadSampleSize = 512

type preuploadFile struct {
	Path   string `json:"path"`
	Sample string `json:"sample"`
	Size   int64  `json:"size"`
}

type preuploadResponse struct {
	Files []struct {
		Path       string `json:"path"`
		UploadMode string `json:"uploadMode"`
	} `json:"files"`
}

// preupload asks the server how each file must be committed. Repos are
// created with *.onnx tracked by git-lfs, so the model graphs themselves come
// back flagged "lfs" and cannot be committed inline. Paths the server does
// not classify are committed inline.
func (c *Client) preupload(ctx context.Context, repoId string, files []CommitFile) (map[string]string, error) {
	entries := make([]preuploadFile, len(files))
	for i, file := range files {
		sample := file.Content
		if len(sample) > preuploadSampleSize {
			sample = sample[:preuploadSampleSize]
		}
		entries[i] = preuploadFile{
			Path:   file.Path,
			Sample: base64.StdEncoding.EncodeToString(sample),
			Size:   int64(len(file.Content)),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"files": entries}).
		Post(fmt.Sprintf("/api/models/%s/preupload/main", repoId))
	if err != nil {
		return nil, fmt.Errorf("preupload request failed: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("preupload returned %d: %s", res.StatusCode(), res.String())
	}

	var parsed preuploadResponse
	if err := json.Unmarshal(res.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("error parsing preupload response: %w", err)
	}

	modes := make(map[string]string, len(parsed.Files))
	for _, file := range parsed.Files {
		modes[file.Path] = file.UploadMode
	}
	return modes, nil
}

type lfsPointer struct {
	Path string
	Oid  string
	Size int64
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		Oid   string `json:"oid"`
		Size  int64  `json:"size"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Actions map[string]lfsAction `json:"actions"`
	} `json:"objects"`
}

const lfsContentType = "application/vnd.git-lfs+json"

// uploadLFS stores file contents through the git-lfs batch API and returns
// the pointers to commit. Objects the server already has are not re-sent.
func (c *Client) uploadLFS(ctx context.Context, repoId string, files []CommitFile) ([]lfsPointer, error) {
	pointers := make([]lfsPointer, len(files))
	byOid := make(map[string]CommitFile, len(files))
	objects := make([]map[string]any, len(files))
	for i, file := range files {
		sum := sha256.Sum256(file.Content)
		oid := hex.EncodeToString(sum[:])
		pointers[i] = lfsPointer{Path: file.Path, Oid: oid, Size: int64(len(file.Content))}
		byOid[oid] = file
		objects[i] = map[string]any{"oid": oid, "size": int64(len(file.Content))}
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", lfsContentType).
		SetHeader("Content-Type", lfsContentType).
		SetBody(map[string]any{
			"operation": "upload",
			"transfers": []string{"basic"},
			"objects":   objects,
			"hash_algo": "sha256",
		}).
		Post(fmt.Sprintf("/%s.git/info/lfs/objects/batch", repoId))
	if err != nil {
		return nil, fmt.Errorf("lfs batch request failed: %w", err)
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("lfs batch returned %d: %s", res.StatusCode(), res.String())
	}

	var batch lfsBatchResponse
	if err := json.Unmarshal(res.Body(), &batch); err != nil {
		return nil, fmt.Errorf("error parsing lfs batch response: %w", err)
	}

	for _, object := range batch.Objects {
		if object.Error != nil {
			return nil, fmt.Errorf("lfs upload rejected for object %s: %s", object.Oid, object.Error.Message)
		}

		file, ok := byOid[object.Oid]
		if !ok {
			return nil, fmt.Errorf("lfs batch returned unknown object %s", object.Oid)
		}

		upload, ok := object.Actions["upload"]
		if !ok {
			slog.Info("lfs object already stored", "repo", repoId, "oid", object.Oid)
			continue
		}

		put, err := c.uploads.R().
			SetContext(ctx).
			SetHeaders(upload.Header).
			SetBody(file.Content).
			Put(upload.Href)
		if err != nil {
			return nil, fmt.Errorf("lfs upload failed for %s: %w", file.Path, err)
		}
		if !put.IsSuccess() {
			return nil, fmt.Errorf("lfs upload for %s returned %d: %s", file.Path, put.StatusCode(), put.String())
		}

		if verify, ok := object.Actions["verify"]; ok {
			res, err := c.client.R().
				SetContext(ctx).
				SetHeader("Accept", lfsContentType).
				SetHeader("Content-Type", lfsContentType).
				SetBody(map[string]any{"oid": object.Oid, "size": object.Size}).
				Post(verify.Href)
			if err != nil {
				return nil, fmt.Errorf("lfs verify failed for %s: %w", file.Path, err)
			}
			if !res.IsSuccess() {
				return nil, fmt.Errorf("lfs verify for %s returned %d: %s", file.Path, res.StatusCode(), res.String())
			}
		}

		slog.Info("lfs object uploaded", "repo", repoId, "path", file.Path, "size", len(file.Content))
	}

	return pointers, nil
}

// Commit pushes files to the repository's main branch in a single commit.
// Files the server flags for git-lfs are stored through the LFS API first
// and committed as pointers. Existing remote files at the same paths are
// overwritten.
func (c *Client) Commit(ctx context.Context, repoId, summary string, files []CommitFile) error {
	if len(files) == 0 {
		return fmt.Errorf("nothing to commit to %s", repoId)
	}

	modes, err := c.preupload(ctx, repoId, files)
	if err != nil {
		return err
	}

	var inline, large []CommitFile
	for _, file := range files {
		if modes[file.Path] == "lfs" {
			large = append(large, file)
		} else {
			inline = append(inline, file)
		}
	}

	var pointers []lfsPointer
	if len(large) > 0 {
		pointers, err = c.uploadLFS(ctx, repoId, large)
		if err != nil {
			return err
		}
	}

	var payload bytes.Buffer
	encoder := json.NewEncoder(&payload)

	if err := encoder.Encode(commitOperation{
		Key:   "header",
		Value: map[string]string{"summary": summary, "description": ""},
	}); err != nil {
		return fmt.Errorf("error encoding commit header: %w", err)
	}

	for _, file := range inline {
		op := commitOperation{
			Key: "file",
			Value: map[string]string{
				"path":     file.Path,
				"content":  base64.StdEncoding.EncodeToString(file.Content),
				"encoding": "base64",
			},
		}
		if err := encoder.Encode(op); err != nil {
			return fmt.Errorf("error encoding commit operation for %s: %w", file.Path, err)
		}
	}

	for _, pointer := range pointers {
		op := commitOperation{
			Key: "lfsFile",
			Value: map[string]any{
				"path": pointer.Path,
				"algo": "sha256",
				"oid":  pointer.Oid,
				"size": pointer.Size,
			},
		}
		if err := encoder.Encode(op); err != nil {
			return fmt.Errorf("error encoding commit operation for %s: %w", pointer.Path, err)
		}
	}

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-ndjson").
		SetBody(payload.Bytes()).
		Post(fmt.Sprintf("/api/models/%s/commit/main", repoId))
	if err != nil {
		return fmt.Errorf("commit request failed: %w", err)
	}

	if !res.IsSuccess() {
		return fmt.Errorf("commit returned %d: %s", res.StatusCode(), res.String())
	}

	slog.Info("committed files to repo", "repo", repoId, "files", len(files), "lfs", len(pointers))
	return nil
}

// UploadFolder commits every file under dir to pathInRepo/<name> in the
// repository.
func (c *Client) UploadFolder(ctx context.Context, repoId, pathInRepo, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read upload folder %s: %w", dir, err)
	}

	var files []CommitFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		files = append(files, CommitFile{
			Path:    filepath.ToSlash(filepath.Join(pathInRepo, entry.Name())),
			Content: content,
		})
	}

	if len(files) == 0 {
		return fmt.Errorf("no files to upload in %s", dir)
	}

	return c.Commit(ctx, repoId, fmt.Sprintf("Upload %s", pathInRepo), files)
}

func (c *Client) RepoURL(repoId string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(c.client.BaseURL, "/"), repoId)
}
