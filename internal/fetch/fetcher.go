// Package fetch downloads repository snapshots as GitHub tarball archives and
// extracts them into scan workspaces.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asfalis/asfalis/internal/domain/model"
	apperrors "github.com/asfalis/asfalis/internal/errors"
)

const (
	// DefaultMaxArchiveBytes caps the decompressed snapshot size.
	DefaultMaxArchiveBytes = 50 << 20

	defaultAPIBase = "https://api.github.com"
)

// Fetcher retrieves repository snapshots over the GitHub archive API.
type Fetcher struct {
	client   *http.Client
	tokens   TokenProvider
	apiBase  string
	maxBytes int64
	logger   *slog.Logger
}

type FetcherOption func(*Fetcher)

// WithAPIBase points the fetcher at a different API endpoint, for GitHub
// Enterprise hosts and tests.
func WithAPIBase(base string) FetcherOption {
	return func(f *Fetcher) { f.apiBase = strings.TrimRight(base, "/") }
}

// WithMaxArchiveBytes overrides the extracted-size cap.
func WithMaxArchiveBytes(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithHTTPClient swaps the transport used for archive downloads.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

func NewFetcher(tokens TokenProvider, logger *slog.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 5 * time.Minute},
		tokens:   tokens,
		apiBase:  defaultAPIBase,
		maxBytes: DefaultMaxArchiveBytes,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the snapshot for a scan into destDir and returns the
// resolved commit SHA. The ref is the pinned commit when the scan carries
// one, otherwise the requested branch.
func (f *Fetcher) Fetch(ctx context.Context, scan *model.ScanRun, destDir string) (string, error) {
	ref := scan.Branch
	if scan.CommitSHA != nil && *scan.CommitSHA != "" {
		ref = *scan.CommitSHA
	}
	url := fmt.Sprintf("%s/repos/%s/tarball/%s", f.apiBase, scan.Repo, ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "build archive request")
	}
	token, err := f.tokens.Token(ctx, scan.InstallationID)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "resolve access token")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "download archive")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", apperrors.NotFoundf("repository %s ref %s not found", scan.Repo, ref)
	case resp.StatusCode != http.StatusOK:
		return "", apperrors.Internal(fmt.Sprintf("archive download for %s returned %d", scan.Repo, resp.StatusCode))
	}

	sha, err := f.extract(resp.Body, destDir)
	if err != nil {
		return "", err
	}
	f.logger.Info("fetched repository snapshot",
		"repo", scan.Repo, "ref", ref, "commit_sha", sha)
	return sha, nil
}

// extract unpacks a gzipped tarball into destDir. GitHub archives wrap all
// entries in one top-level directory named "<owner>-<repo>-<sha>"; that
// prefix is stripped and its trailing segment is the resolved commit.
func (f *Fetcher) extract(body io.Reader, destDir string) (string, error) {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "archive is not gzip")
	}
	defer gz.Close()

	limited := &cappedReader{r: gz, remaining: f.maxBytes}
	tr := tar.NewReader(limited)

	var commitSHA string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if limited.exceeded {
				return "", apperrors.Validation(fmt.Sprintf("archive exceeds %d byte limit", f.maxBytes))
			}
			return "", apperrors.Wrap(err, apperrors.ErrCodeValidation, "read archive")
		}

		top, rel := splitArchivePath(hdr.Name)
		if commitSHA == "" && top != "" {
			commitSHA = shaFromTopDir(top)
		}
		if rel == "" {
			continue
		}
		target, err := secureJoin(destDir, rel)
		if err != nil {
			return "", err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "create directory")
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				if limited.exceeded {
					return "", apperrors.Validation(fmt.Sprintf("archive exceeds %d byte limit", f.maxBytes))
				}
				return "", err
			}
		default:
			// Symlinks and specials are dropped; scanners only need the
			// regular source tree and links are a traversal risk.
		}
	}
	return commitSHA, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "create directory")
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "create file")
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "write file")
	}
	return nil
}

// splitArchivePath separates the archive's top-level directory from the
// in-repo relative path.
func splitArchivePath(name string) (top, rel string) {
	name = strings.TrimPrefix(name, "./")
	top, rel, _ = strings.Cut(name, "/")
	return top, rel
}

// shaFromTopDir pulls the commit out of an archive root directory name like
// "acme-app-0a1b2c3d4e5f". The segment after the last dash is the SHA.
func shaFromTopDir(dir string) string {
	idx := strings.LastIndex(dir, "-")
	if idx < 0 || idx == len(dir)-1 {
		return ""
	}
	sha := dir[idx+1:]
	for _, c := range sha {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isHex {
			return ""
		}
	}
	return sha
}

func secureJoin(destDir, rel string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", apperrors.Validation(fmt.Sprintf("archive entry escapes workspace: %s", rel))
	}
	return target, nil
}

// cappedReader fails once more than `remaining` decompressed bytes pass
// through it. Reads are windowed to remaining+1 so a stream of exactly the
// limit can still deliver its EOF instead of tripping the cap.
type cappedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	if int64(n) > c.remaining {
		c.exceeded = true
		return 0, fmt.Errorf("archive size limit exceeded")
	}
	c.remaining -= int64(n)
	return n, err
}
