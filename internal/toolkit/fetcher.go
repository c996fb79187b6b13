package toolkit

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

const (
	// DefaultBaseURL points at the source archives of the conversion toolkit.
	DefaultBaseURL = "https://github.com/xenova/transformers.js/archive/refs"

	DefaultVersion = "3.0.0"
)

// Fetcher downloads and extracts a pinned version of the transformers.js
// repository, which carries the conversion script invoked for each job.
type Fetcher struct {
	client   *resty.Client
	version  string
	dir      string
	progress bool
}

func NewFetcher(baseURL, version, dir string, showProgress bool) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if version == "" {
		version = DefaultVersion
	}

	return &Fetcher{
		client:   resty.New().SetBaseURL(baseURL),
		version:  version,
		dir:      dir,
		progress: showProgress,
	}
}

func (f *Fetcher) Dir() string {
	return f.dir
}

// EnsureToolkit makes sure the toolkit directory exists, downloading and
// extracting the pinned archive when it does not. A present directory is
// trusted as-is and triggers no network traffic.
func (f *Fetcher) EnsureToolkit(ctx context.Context) error {
	if _, err := os.Stat(f.dir); err == nil {
		return nil
	}

	refType := f.refType(ctx)
	archivePath := filepath.Join(filepath.Dir(f.dir), fmt.Sprintf("toolkit_%s.tar.gz", f.version))
	defer os.Remove(archivePath)

	if err := f.download(ctx, fmt.Sprintf("/%s/%s.tar.gz", refType, f.version), archivePath); err != nil {
		return fmt.Errorf("failed to download toolkit: %w", err)
	}

	if err := f.extract(archivePath); err != nil {
		return fmt.Errorf("failed to extract toolkit: %w", err)
	}

	slog.Info("toolkit downloaded and extracted", "version", f.version, "dir", f.dir)
	return nil
}

// refType checks whether the pinned version exists as a tag, falling back to
// a branch ref when it does not.
func (f *Fetcher) refType(ctx context.Context) string {
	res, err := f.client.R().
		SetContext(ctx).
		Head(fmt.Sprintf("/tags/%s.tar.gz", f.version))
	if err != nil || !res.IsSuccess() {
		slog.Warn("failed to check tags, defaulting to heads", "version", f.version, "error", err)
		return "heads"
	}
	return "tags"
}

func (f *Fetcher) download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return err
	}

	res, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return err
	}
	body := res.RawBody()
	defer body.Close()

	if !res.IsSuccess() {
		return fmt.Errorf("archive download returned %d", res.StatusCode())
	}

	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer file.Close()

	var dst io.Writer = file
	if f.progress {
		bar := progressbar.DefaultBytes(res.RawResponse.ContentLength, "downloading toolkit")
		dst = io.MultiWriter(file, bar)
	}

	if _, err := io.Copy(dst, body); err != nil {
		return err
	}

	return nil
}

// extract unpacks the archive into a staging directory and renames the single
// top-level folder into place.
func (f *Fetcher) extract(archivePath string) error {
	staging, err := os.MkdirTemp(filepath.Dir(f.dir), ".toolkit-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := untar(archivePath, staging); err != nil {
		return err
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return fmt.Errorf("unexpected archive layout, expected a single top-level folder")
	}

	return os.Rename(filepath.Join(staging, entries[0].Name()), f.dir)
}

func untar(archivePath, dest string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("error opening gzip stream: %w", err)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading archive: %w", err)
		}

		path := filepath.Join(dest, filepath.Clean(header.Name))
		if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes extraction directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, os.ModePerm); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
				return err
			}
			out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}
