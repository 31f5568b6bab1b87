package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/sora2api/sora-proxy/internal/config"
	"github.com/sora2api/sora-proxy/internal/logger"
	"github.com/sora2api/sora-proxy/internal/metrics"
)

// Media types for cached files.
const (
	MediaImage = "image"
	MediaVideo = "video"
)

// downloadTimeout bounds one asset fetch. Generated videos run tens of
// megabytes, so this is far above the usual API budget.
const downloadTimeout = 60 * time.Second

// Downloader fetches an absolute URL, optionally through an egress proxy.
// Satisfied by the upstream client.
type Downloader interface {
	Download(ctx context.Context, rawURL, proxyURL string) ([]byte, error)
}

// Service caches generated assets on disk so result URLs handed to callers
// stay valid after the upstream's signed URLs expire. Files are keyed by the
// md5 of the source URL; freshness is the file's mtime age against the
// runtime cache timeout. A timeout below zero means entries never expire.
type Service struct {
	log        *logger.Logger
	dir        string
	runtime    *config.Runtime
	downloader Downloader
	now        func() time.Time
}

func NewService(log *logger.Logger, dir string, runtime *config.Runtime, downloader Downloader) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", dir, err)
	}
	return &Service{
		log:        log.WithComponent("cache"),
		dir:        dir,
		runtime:    runtime,
		downloader: downloader,
		now:        time.Now,
	}, nil
}

// Dir returns the cache directory, for static serving.
func (s *Service) Dir() string { return s.dir }

// Filename returns the cache filename for a source URL.
func Filename(url, mediaType string) string {
	sum := md5.Sum([]byte(url))
	ext := ".png"
	if mediaType == MediaVideo {
		ext = ".mp4"
	}
	return hex.EncodeToString(sum[:]) + ext
}

// Fetch returns the cache filename for url, downloading the asset when it is
// absent or expired. credProxy routes the download through the credential's
// proxy when set; otherwise the global proxy applies if enabled.
func (s *Service) Fetch(ctx context.Context, url, mediaType, credProxy string) (string, error) {
	filename := Filename(url, mediaType)
	path := filepath.Join(s.dir, filename)

	if info, err := os.Stat(path); err == nil {
		if s.fresh(s.now().Sub(info.ModTime())) {
			metrics.CacheHits.Inc()
			s.log.Debug("cache hit", slog.String("filename", filename))
			return filename, nil
		}
		os.Remove(path)
	}
	metrics.CacheMisses.Inc()

	proxyURL := credProxy
	if proxyURL == "" {
		if settings := s.runtime.Snapshot(); settings.ProxyEnabled {
			proxyURL = settings.ProxyURL
		}
	}

	s.log.Debug("downloading asset", slog.String("url", url), slog.Bool("proxied", proxyURL != ""))
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	data, err := s.downloader.Download(ctx, url, proxyURL)
	if err != nil {
		return "", fmt.Errorf("failed to cache file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to cache file: %w", err)
	}

	s.log.Info("file cached", slog.String("filename", filename), slog.Int("bytes", len(data)))
	return filename, nil
}

// Path resolves a cache filename to its on-disk path. Names with path
// separators or traversal elements are rejected; the handler serves only
// direct children of the cache dir.
func (s *Service) Path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid cache filename %q", filename)
	}
	path := filepath.Join(s.dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// EvictExpired removes files older than the cache timeout and reports how
// many were dropped. A negative timeout disables eviction.
func (s *Service) EvictExpired() int {
	timeout := s.runtime.Snapshot().CacheTimeout
	if timeout < 0 {
		return 0
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("cache sweep failed", slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	maxAge := time.Duration(timeout) * time.Second
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.log.Warn("failed to remove expired file",
				slog.String("filename", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("cache sweep removed expired files", slog.Int("removed", removed))
	}
	return removed
}

// Clear removes every cached file and reports how many went away.
func (s *Service) Clear() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Error("cache clear failed", slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			continue
		}
		removed++
	}
	s.log.Info("cache cleared", slog.Int("removed", removed))
	return removed
}

func (s *Service) fresh(age time.Duration) bool {
	timeout := s.runtime.Snapshot().CacheTimeout
	if timeout < 0 {
		return true
	}
	return age < time.Duration(timeout)*time.Second
}
