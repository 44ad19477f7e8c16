package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"lukechampine.com/blake3"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/notify"
	"github.com/skyforge/launcher/version"
)

const (
	userAgent = "Launcher installer/%s"

	// DefaultProgressInterval is the minimum delay between two progress reports.
	DefaultProgressInterval = 200 * time.Millisecond

	downloadDirName = ".downloads"
	partSuffix      = ".bundle.part"
)

// ErrCancelled is returned when a download was aborted through Cancel or by cancelling
// the caller's context. It is an outcome, not a failure.
var ErrCancelled = errors.New("download cancelled")

// NetworkError is returned for failed bundle transfers. Status is the HTTP status code,
// or 0 when the request failed at the transport level.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("unexpected HTTP status %d from %s", e.Status, e.URL)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ChecksumError is returned when the downloaded bundle does not match the published checksum.
type ChecksumError struct {
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("bundle %s checksum mismatch, got %s want %s", e.Algorithm, e.Actual, e.Expected)
}

// HTTPClient is the part of http.Client the Manager needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithDownloadDir stores partial bundles of every install root in dir instead of
// <root>/.downloads.
func WithDownloadDir(dir string) Option {
	return func(m *Manager) {
		m.downloadDir = dir
	}
}

// WithProgressInterval sets the minimum delay between two progress reports.
func WithProgressInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

type session struct {
	cancel    context.CancelFunc
	done      chan struct{}
	path      string
	cancelled bool
}

// Manager streams patch bundles to temporary files. It keeps a registry of in-flight
// sessions keyed by install key so a download can be cancelled from another goroutine.
//
// Callers must not start a second download for a key while one is active. The registry
// holds one session per key and does not guard against that misuse.
type Manager struct {
	client      HTTPClient
	downloadDir string
	interval    time.Duration

	mu       sync.Mutex
	sessions map[catalog.Key]*session
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		client:   http.DefaultClient,
		interval: DefaultProgressInterval,
		sessions: make(map[catalog.Key]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TempPath returns the deterministic partial bundle path of the install key of v.
func (m *Manager) TempPath(root string, v catalog.Version) string {
	name := fmt.Sprintf("%s-build-%d%s", v.Channel, v.BuildIndex, partSuffix)
	if m.downloadDir == "" {
		return filepath.Join(root, downloadDirName, name)
	}
	// a shared directory serves several roots
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return filepath.Join(m.downloadDir, hex.EncodeToString(sum[:4])+"-"+name)
}

// StartDownload fetches v.URL into the temp bundle path and returns that path. Progress
// is reported in the bundle-download phase with Percent -1 when the server sends no
// content length. On any error the partial file is removed.
func (m *Manager) StartDownload(ctx context.Context, root string, v catalog.Version, onProgress notify.ProgressFunc) (string, error) {
	if onProgress == nil {
		onProgress = func(notify.Progress) {}
	}

	hasher, err := newHasher(v.BundleChecksum)
	if err != nil {
		return "", err
	}

	key := catalog.KeyOf(root, v)
	path := m.TempPath(root, v)

	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{}), path: path}
	m.register(key, s)
	defer close(s.done)

	log.Infof("downloading bundle for %s from %s", v.ID(), v.URL)
	fetchErr := m.fetch(ctx, v.URL, path, hasher, onProgress)
	ctxErr := ctx.Err()

	cancelled := m.unregister(key, s)
	cancel()

	switch {
	case cancelled || errors.Is(ctxErr, context.Canceled):
		removeFile(path)
		log.Infof("bundle download for %s cancelled", v.ID())
		return "", ErrCancelled
	case fetchErr != nil:
		removeFile(path)
		return "", fetchErr
	}

	if err := hasher.verify(); err != nil {
		removeFile(path)
		return "", err
	}

	log.Infof("downloaded bundle for %s to %s", v.ID(), path)
	return path, nil
}

// Cancel aborts the download of the install key of v, waits for the stream to stop and
// removes the partial file. It returns false when no download was in flight. Cancel
// must not be called from the download's own progress callback.
func (m *Manager) Cancel(root string, v catalog.Version) bool {
	key := catalog.KeyOf(root, v)

	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		s.cancelled = true
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.cancel()
	<-s.done
	removeFile(s.path)
	return true
}

// Active reports whether a download is in flight for the install key of v.
func (m *Manager) Active(root string, v catalog.Version) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[catalog.KeyOf(root, v)]
	return ok
}

func (m *Manager) register(key catalog.Key, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		log.Warnf("second download started for %s", key)
	}
	m.sessions[key] = s
}

// unregister removes s and reports whether Cancel reached it first.
func (m *Manager) unregister(key catalog.Key, s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	return s.cancelled
}

func (m *Manager) fetch(ctx context.Context, url, path string, hasher *checksum, onProgress notify.ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.LauncherVersion()))

	resp, err := m.client.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{URL: url, Status: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	// always from zero, partial files are never resumed
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bundle file %q: %w", path, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warnf("error closing file %q: %v", path, cerr)
		}
	}()

	pr := newProgressReader(resp.Body, resp.ContentLength, m.interval, onProgress)
	pr.report()

	if _, err := io.Copy(hasher.writer(out), pr); err != nil {
		if pr.readErr == nil {
			return fmt.Errorf("write bundle file %q: %w", path, err)
		}
		return &NetworkError{URL: url, Err: err}
	}
	pr.report()

	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync bundle file: %w", err)
	}
	return nil
}

type progressReader struct {
	r         io.Reader
	total     int64
	read      int64
	readErr   error
	last      int
	sometimes *rate.Sometimes
	onReport  notify.ProgressFunc
}

func newProgressReader(r io.Reader, total int64, interval time.Duration, onReport notify.ProgressFunc) *progressReader {
	if total < 0 {
		total = 0
	}
	return &progressReader{
		r:         r,
		total:     total,
		last:      notify.Indeterminate,
		sometimes: &rate.Sometimes{Interval: interval},
		onReport:  onReport,
	}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.sometimes.Do(p.report)
	}
	if err != nil && err != io.EOF {
		p.readErr = err
	}
	return n, err
}

func (p *progressReader) report() {
	percent := notify.Indeterminate
	if p.total > 0 {
		percent = int(p.read * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent < p.last {
			percent = p.last
		}
		p.last = percent
	}
	p.onReport(notify.Progress{
		Phase:   notify.PhaseDownload,
		Percent: percent,
		Current: p.read,
		Total:   p.total,
	})
}

type checksum struct {
	algorithm string
	expected  string
	h         hash.Hash
}

// newHasher parses "<algo>:<hex>". An empty value disables verification.
func newHasher(value string) (*checksum, error) {
	if value == "" {
		return &checksum{}, nil
	}

	algo, expected, ok := strings.Cut(value, ":")
	if !ok || expected == "" {
		return nil, fmt.Errorf("malformed bundle checksum %q", value)
	}

	c := &checksum{algorithm: strings.ToLower(algo), expected: strings.ToLower(expected)}
	switch c.algorithm {
	case "sha256":
		c.h = sha256.New()
	case "blake3":
		c.h = blake3.New(32, nil)
	default:
		return nil, fmt.Errorf("unsupported bundle checksum algorithm %q", algo)
	}
	return c, nil
}

func (c *checksum) writer(w io.Writer) io.Writer {
	if c.h == nil {
		return w
	}
	return io.MultiWriter(w, c.h)
}

func (c *checksum) verify() error {
	if c.h == nil {
		return nil
	}
	actual := hex.EncodeToString(c.h.Sum(nil))
	if actual != c.expected {
		return &ChecksumError{Algorithm: c.algorithm, Expected: c.expected, Actual: actual}
	}
	return nil
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("failed to remove partial bundle %s: %v", path, err)
	}
}
