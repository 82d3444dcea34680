// Package fetch resolves media inputs into local files under a managed
// temporary directory. Remote URLs are probed with a ranged request and
// streamed down in chunks; uploads go through the same safety checks.
// Every filename is regenerated from random bytes and every path is
// re-resolved and verified against the temp root before use.
package fetch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/logging"
)

var (
	// ErrFileTooLarge reports media beyond the configured byte cap.
	ErrFileTooLarge = errors.New("file size exceeds the limit")

	// ErrDisallowedType reports an extension outside the allowed set.
	ErrDisallowedType = errors.New("file type is not supported")
)

const (
	// DefaultMaxFileSize caps downloads and uploads at 2 GiB.
	DefaultMaxFileSize = int64(2) << 30

	// DefaultChunkSize is the streaming copy buffer size.
	DefaultChunkSize = 1 << 20

	defaultRequestTimeout = 60 * time.Second
	defaultRetries        = 3
	defaultUserAgent      = "mini-asr-backend/1.0"

	// probeRange asks for the first KiB so the probe stays cheap even
	// against servers that ignore Range.
	probeRange = "bytes=0-1023"

	// maxExtensionLen bounds sanitized extensions, dot included.
	maxExtensionLen = 10

	retryWait        = time.Second
	deleteRetryDelay = 500 * time.Millisecond
)

// defaultAllowedExtensions is the FFmpeg-decodable media set plus
// subtitle files.
var defaultAllowedExtensions = []string{
	".3g2", ".3gp", ".aac", ".ac3", ".aiff", ".alac", ".amr", ".ape", ".asf", ".avi", ".avs", ".cavs", ".dirac",
	".dts", ".dv", ".eac3", ".f4v", ".flac", ".flv", ".g722", ".g723_1", ".g726", ".g729", ".gif", ".gsm",
	".h261", ".h263", ".h264", ".hevc", ".jpeg", ".jpg", ".lpcm", ".m4a", ".m4v", ".mkv", ".mlp", ".mmf",
	".mov", ".mp2", ".mp3", ".mp4", ".mpc", ".mpeg", ".mpg", ".oga", ".ogg", ".ogv", ".opus", ".png", ".rm",
	".rmvb", ".rtsp", ".sbc", ".spx", ".svcd", ".swf", ".tak", ".thd", ".tta", ".vc1", ".vcd", ".vid", ".vob",
	".wav", ".wma", ".wmv", ".wv", ".webm", ".yuv",
	".srt", ".vtt",
}

// DefaultAllowedExtensions returns a copy of the built-in allow list.
func DefaultAllowedExtensions() []string {
	return append([]string(nil), defaultAllowedExtensions...)
}

// HeaderRule attaches Headers to requests whose URL contains Match.
// Some media hosts refuse downloads without a Referer or Origin.
type HeaderRule struct {
	Match   string
	Headers map[string]string
}

// Config holds fetcher settings. Zero values fall back to the package
// defaults.
type Config struct {
	TempDir          string
	MaxFileSizeBytes int64
	ChunkSizeBytes   int
	RequestTimeout   time.Duration
	Retries          int
	FFprobePath      string
	UserAgent        string

	// AllowedExtensions nil selects the built-in media set; an explicit
	// empty slice disables the check entirely.
	AllowedExtensions []string

	HeaderRules []HeaderRule
}

// Fetcher downloads and saves media files under a single temp root.
// Safe for concurrent use.
type Fetcher struct {
	tempDir        string
	maxFileSize    int64
	chunkSize      int
	requestTimeout time.Duration
	retries        int
	ffprobePath    string
	userAgent      string

	// allowed nil means no type restriction.
	allowed     map[string]struct{}
	headerRules []HeaderRule

	client *http.Client
	logger *logging.Logger
}

// New prepares the temp directory (0700, symlinks resolved) and returns
// a ready fetcher.
func New(cfg Config) (*Fetcher, error) {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = "./temp_files"
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create temp directory %s: %w", tempDir, err)
	}
	if err := os.Chmod(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to restrict temp directory %s: %w", tempDir, err)
	}
	abs, err := filepath.Abs(tempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp directory %s: %w", tempDir, err)
	}
	// Resolve once so later containment checks compare real paths.
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp directory %s: %w", abs, err)
	}

	maxFileSize := cfg.MaxFileSizeBytes
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	retries := cfg.Retries
	if retries < 1 {
		retries = defaultRetries
	}
	ffprobePath := cfg.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	extensions := cfg.AllowedExtensions
	if extensions == nil {
		extensions = defaultAllowedExtensions
	}
	var allowed map[string]struct{}
	if len(extensions) > 0 {
		allowed = make(map[string]struct{}, len(extensions))
		for _, ext := range extensions {
			allowed[strings.ToLower(ext)] = struct{}{}
		}
	}

	logger := logging.GetGlobalLogger().WithComponent("fetcher")
	logger.Debug("Temporary directory ready", map[string]interface{}{
		"path": root,
	})

	return &Fetcher{
		tempDir:        root,
		maxFileSize:    maxFileSize,
		chunkSize:      chunkSize,
		requestTimeout: requestTimeout,
		retries:        retries,
		ffprobePath:    ffprobePath,
		userAgent:      userAgent,
		allowed:        allowed,
		headerRules:    cfg.HeaderRules,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				// Headers must arrive within the request timeout; body
				// streaming for large files is bounded by the caller's
				// context instead.
				ResponseHeaderTimeout: requestTimeout,
			},
		},
		logger: logger,
	}, nil
}

// TempDir returns the resolved temp root.
func (f *Fetcher) TempDir() string {
	return f.tempDir
}

// MaxFileSize returns the configured byte cap.
func (f *Fetcher) MaxFileSize() int64 {
	return f.maxFileSize
}

// Download streams the media behind fileURL into the temp directory and
// returns the saved path. The size cap is enforced before the full
// download when the server reports a total via Content-Range, and again
// while streaming.
func (f *Fetcher) Download(ctx context.Context, fileURL string) (string, error) {
	parsed, err := url.Parse(fileURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid file url %q", fileURL)
	}

	size, contentType, err := f.probe(ctx, fileURL)
	if err != nil {
		return "", err
	}
	if size > f.maxFileSize {
		return "", fmt.Errorf("%w: %d > %d", ErrFileTooLarge, size, f.maxFileSize)
	}

	ext := extensionForContentType(contentType)
	if ext == "" {
		f.logger.Warn("Could not determine file extension from Content-Type", map[string]interface{}{
			"content_type": contentType,
			"url":          fileURL,
		})
		ext = sanitizeExtension(path.Ext(parsed.Path))
	}
	filePath, err := f.containedPath(randomHex(16) + ext)
	if err != nil {
		return "", err
	}

	if err := f.streamToFile(ctx, fileURL, filePath); err != nil {
		return "", err
	}

	if err := f.checkAllowedType(filePath); err != nil {
		if delErr := f.Delete(filePath); delErr != nil {
			f.logger.Error("Failed to remove rejected download", map[string]interface{}{
				"path":  filePath,
				"error": delErr.Error(),
			})
		}
		return "", fmt.Errorf("file from url %s rejected: %w", fileURL, err)
	}

	f.logger.Debug("File downloaded and saved", map[string]interface{}{
		"path": filePath,
		"url":  fileURL,
	})
	return filePath, nil
}

// SaveUpload writes uploaded bytes under a fresh safe name and returns
// the saved path.
func (f *Fetcher) SaveUpload(content []byte, fileName string) (string, error) {
	if int64(len(content)) > f.maxFileSize {
		return "", fmt.Errorf("%w: %d > %d", ErrFileTooLarge, len(content), f.maxFileSize)
	}

	filePath, err := f.containedPath(safeFileName(fileName))
	if err != nil {
		return "", err
	}

	out, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	_, writeErr := out.Write(content)
	closeErr := out.Close()
	if writeErr != nil {
		f.removeQuietly(filePath)
		return "", fmt.Errorf("failed to write upload %s: %w", fileName, writeErr)
	}
	if closeErr != nil {
		f.removeQuietly(filePath)
		return "", fmt.Errorf("failed to flush upload %s: %w", fileName, closeErr)
	}

	if err := f.checkAllowedType(filePath); err != nil {
		if delErr := f.Delete(filePath); delErr != nil {
			f.logger.Error("Failed to remove rejected upload", map[string]interface{}{
				"path":  filePath,
				"error": delErr.Error(),
			})
		}
		return "", fmt.Errorf("upload %s rejected: %w", fileName, err)
	}

	f.logger.Debug("Upload saved", map[string]interface{}{
		"path": filePath,
		"name": fileName,
	})
	return filePath, nil
}

// Delete removes one temp file. Paths outside the temp root, symlinks
// and already-missing files are logged and skipped rather than failed,
// so repeated deletes stay harmless. Permission errors are retried.
func (f *Fetcher) Delete(filePath string) error {
	if filePath == "" {
		return nil
	}

	resolved, ok := f.within(filePath)
	if !ok {
		f.logger.Warn("Attempted to delete file outside of temp directory", map[string]interface{}{
			"path": filePath,
		})
		return nil
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("File not found", map[string]interface{}{"path": resolved})
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", resolved, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		f.logger.Warn("Symbolic links are not allowed", map[string]interface{}{"path": resolved})
		return nil
	}
	if !info.Mode().IsRegular() {
		f.logger.Warn("Not a regular file", map[string]interface{}{"path": resolved})
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		err := os.Remove(resolved)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			f.logger.Debug("File deleted", map[string]interface{}{"path": resolved})
			return nil
		}
		lastErr = err
		if errors.Is(err, os.ErrPermission) && attempt < f.retries {
			f.logger.Warn("Delete attempt failed", map[string]interface{}{
				"path":    resolved,
				"attempt": attempt,
				"error":   err.Error(),
			})
			time.Sleep(deleteRetryDelay)
			continue
		}
		return fmt.Errorf("failed to delete file %s: %w", resolved, err)
	}
	return fmt.Errorf("failed to delete file %s after %d attempts: %w", resolved, f.retries, lastErr)
}

// CleanupAll removes every regular file directly under the temp root.
func (f *Fetcher) CleanupAll() error {
	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		return fmt.Errorf("failed to list temp directory: %w", err)
	}

	var failed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := f.Delete(filepath.Join(f.tempDir, entry.Name())); err != nil {
			failed++
			f.logger.Error("Failed to delete temp file", map[string]interface{}{
				"name":  entry.Name(),
				"error": err.Error(),
			})
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to delete %d temp files", failed)
	}

	f.logger.Debug("Temporary files cleaned up", map[string]interface{}{
		"count": len(entries),
	})
	return nil
}

// probe issues a ranged GET for the first KiB to learn the content type
// and, when the server reports Content-Range, the total size.
func (f *Fetcher) probe(ctx context.Context, fileURL string) (int64, string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
	defer cancel()

	resp, err := f.doRequest(probeCtx, fileURL, true)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, "", fmt.Errorf("probe of %s returned status %d", fileURL, resp.StatusCode)
	}

	size := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	return size, resp.Header.Get("Content-Type"), nil
}

// streamToFile downloads the full body into filePath, enforcing the
// size cap as bytes arrive.
func (f *Fetcher) streamToFile(ctx context.Context, fileURL, filePath string) error {
	resp, err := f.doRequest(ctx, fileURL, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download of %s returned status %d", fileURL, resp.StatusCode)
	}

	out, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	written, copyErr := io.CopyBuffer(out, io.LimitReader(resp.Body, f.maxFileSize+1), make([]byte, f.chunkSize))
	closeErr := out.Close()
	if copyErr != nil {
		f.removeQuietly(filePath)
		return fmt.Errorf("failed to write %s: %w", filePath, copyErr)
	}
	if closeErr != nil {
		f.removeQuietly(filePath)
		return fmt.Errorf("failed to flush %s: %w", filePath, closeErr)
	}
	if written > f.maxFileSize {
		f.removeQuietly(filePath)
		return fmt.Errorf("%w: %d > %d", ErrFileTooLarge, written, f.maxFileSize)
	}
	return nil
}

// doRequest retries transport-level failures up to the configured
// attempt budget. HTTP error statuses are returned without retry.
func (f *Fetcher) doRequest(ctx context.Context, fileURL string, ranged bool) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryWait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request for %s: %w", fileURL, err)
		}
		f.applyHeaders(req, fileURL)
		if ranged {
			req.Header.Set("Range", probeRange)
		}

		resp, err := f.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		f.logger.Warn("Request attempt failed", map[string]interface{}{
			"url":     fileURL,
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
	return nil, fmt.Errorf("request to %s failed after %d attempts: %w", fileURL, f.retries, lastErr)
}

// applyHeaders sets the user agent plus any per-platform headers whose
// match substring appears in the URL.
func (f *Fetcher) applyHeaders(req *http.Request, fileURL string) {
	req.Header.Set("User-Agent", f.userAgent)
	for _, rule := range f.headerRules {
		if rule.Match == "" || !strings.Contains(fileURL, rule.Match) {
			continue
		}
		for key, value := range rule.Headers {
			req.Header.Set(key, value)
		}
	}
}

// containedPath joins name onto the temp root and verifies the result
// resolves inside it.
func (f *Fetcher) containedPath(name string) (string, error) {
	joined := filepath.Join(f.tempDir, name)
	resolved, ok := f.within(joined)
	if !ok {
		return "", fmt.Errorf("invalid file path detected: %s", joined)
	}
	return resolved, nil
}

// within resolves symlinks in the parent directory of p and reports
// whether the final path stays under the temp root. The basename is
// left unresolved so callers can still detect symlinks with Lstat.
func (f *Fetcher) within(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.tempDir, p)
	}
	p = filepath.Clean(p)

	dir, base := filepath.Split(p)
	resolvedDir, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return "", false
	}
	resolved := filepath.Join(resolvedDir, base)
	if resolved == f.tempDir {
		return "", false
	}
	return resolved, strings.HasPrefix(resolved, f.tempDir+string(os.PathSeparator))
}

// checkAllowedType validates the extension against the allow list. A
// nil list disables the check.
func (f *Fetcher) checkAllowedType(filePath string) error {
	if f.allowed == nil {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return fmt.Errorf("%w: file has no extension", ErrDisallowedType)
	}
	if _, ok := f.allowed[ext]; !ok {
		return fmt.Errorf("%w: %s", ErrDisallowedType, ext)
	}
	return nil
}

func (f *Fetcher) removeQuietly(filePath string) {
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("Failed to remove partial file", map[string]interface{}{
			"path":  filePath,
			"error": err.Error(),
		})
	}
}

// safeFileName returns a random 32-hex name carrying the sanitized,
// lower-cased extension of the original.
func safeFileName(original string) string {
	return randomHex(16) + sanitizeExtension(filepath.Ext(original))
}

var extSanitizer = regexp.MustCompile(`[^\w.]`)

// sanitizeExtension strips everything but word characters and dots,
// lower-cases the rest and caps the length.
func sanitizeExtension(ext string) string {
	ext = extSanitizer.ReplaceAllString(ext, "")
	ext = strings.ToLower(ext)
	if len(ext) > maxExtensionLen {
		ext = ext[:maxExtensionLen]
	}
	return ext
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

var contentRangeTotal = regexp.MustCompile(`/(\d+)$`)

// parseContentRangeTotal extracts the total size from a Content-Range
// header ("bytes 0-1023/4096" -> 4096). Unknown totals yield 0.
func parseContentRangeTotal(header string) int64 {
	match := contentRangeTotal.FindStringSubmatch(header)
	if match == nil {
		return 0
	}
	total, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

// contentTypeExtensions maps common media content types to the
// extension used for the saved file.
var contentTypeExtensions = map[string]string{
	"audio/aac":      ".aac",
	"audio/amr":      ".amr",
	"audio/flac":     ".flac",
	"audio/mp3":      ".mp3",
	"audio/mp4":      ".m4a",
	"audio/mpeg":     ".mp3",
	"audio/ogg":      ".ogg",
	"audio/opus":     ".opus",
	"audio/wav":      ".wav",
	"audio/wave":     ".wav",
	"audio/webm":     ".webm",
	"audio/x-flac":   ".flac",
	"audio/x-m4a":    ".m4a",
	"audio/x-ms-wma": ".wma",
	"audio/x-wav":    ".wav",

	"video/3gpp":       ".3gp",
	"video/3gpp2":      ".3g2",
	"video/mp4":        ".mp4",
	"video/mpeg":       ".mpg",
	"video/ogg":        ".ogv",
	"video/quicktime":  ".mov",
	"video/webm":       ".webm",
	"video/x-flv":      ".flv",
	"video/x-matroska": ".mkv",
	"video/x-ms-wmv":   ".wmv",
	"video/x-msvideo":  ".avi",

	"application/ogg":      ".ogg",
	"application/x-subrip": ".srt",
	"text/vtt":             ".vtt",
}

// extensionForContentType maps a Content-Type header value to a file
// extension, ignoring parameters. Unknown types yield "".
func extensionForContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return contentTypeExtensions[mediaType]
}
