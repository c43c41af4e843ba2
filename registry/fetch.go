package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultEndpoint = "https://huggingface.co"

	downloadTimeout = 30 * time.Minute
	maxRetryCount   = 3
	retryDelay      = time.Second
)

// Fetcher downloads model files from a HuggingFace compatible endpoint into
// a local cache, laid out like the hub cache (models--org--repo).
type Fetcher struct {
	client   *resty.Client
	cacheDir string
	logger   *slog.Logger
}

func NewFetcher(endpoint, cacheDir string, logger *slog.Logger) *Fetcher {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(downloadTimeout).
		SetRetryCount(maxRetryCount).
		SetRetryWaitTime(retryDelay)
	return &Fetcher{client: client, cacheDir: cacheDir, logger: logger}
}

func (f *Fetcher) path(repo, file string) string {
	return filepath.Join(f.cacheDir, "models--"+strings.ReplaceAll(repo, "/", "--"), filepath.FromSlash(file))
}

// Download returns the cached path of file in repo, fetching it first if
// it is not cached yet.
func (f *Fetcher) Download(ctx context.Context, repo, file string) (string, error) {
	dst := f.path(repo, file)
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	f.logger.Info("Downloading model file", slog.String("repo", repo), slog.String("file", file))
	start := time.Now()
	tmp := dst + ".part"
	resp, err := f.client.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(fmt.Sprintf("/%s/resolve/main/%s", repo, file))
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to download %s/%s: %w", repo, file, err)
	}
	if resp.IsError() {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to download %s/%s: %s", repo, file, resp.Status())
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("failed to move %s into cache: %w", file, err)
	}
	f.logger.Info("Downloaded model file",
		slog.String("repo", repo),
		slog.String("file", file),
		slog.Duration("took", time.Since(start)))
	return dst, nil
}
