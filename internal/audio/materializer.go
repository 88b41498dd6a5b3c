package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidURL   = errors.New("audio: invalid remote url")
	ErrTooLarge     = errors.New("audio: file exceeds size limit")
	ErrInvalidName  = errors.New("audio: invalid file name")
	ErrFileNotFound = errors.New("audio: file not found")
)

const defaultExt = "mp3"

// Options configures a Materializer.
type Options struct {
	// Dir is where downloaded files are written. Created if missing.
	Dir string
	// PublicBaseURL prefixes returned references; empty yields "/audio/<file>".
	PublicBaseURL string
	Timeout       time.Duration
	MaxBytes      int64

	HTTPClient *http.Client
	Clock      func() time.Time
}

// Materializer copies remote recordings to local storage.
// It holds no locks across downloads; concurrent calls are independent.
type Materializer struct {
	dir        string
	publicBase string
	maxBytes   int64
	httpClient *http.Client
	clock      func() time.Time
}

func New(opts Options) (*Materializer, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("audio: dir is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: create dir: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 200 << 20
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Materializer{
		dir:        dir,
		publicBase: strings.TrimRight(opts.PublicBaseURL, "/"),
		maxBytes:   maxBytes,
		httpClient: httpClient,
		clock:      clock,
	}, nil
}

// Materialize downloads remoteURL and returns the public reference of the
// local copy. The file name embeds correlationID and a millisecond timestamp.
// Nothing is left on disk when it fails.
func (m *Materializer) Materialize(ctx context.Context, remoteURL, correlationID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(remoteURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("audio: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("audio: download: http %d", resp.StatusCode)
	}
	if resp.ContentLength > m.maxBytes {
		return "", ErrTooLarge
	}

	name := fileName(correlationID, m.clock(), extension(u))
	if err := m.writeAtomic(name, resp.Body); err != nil {
		return "", err
	}
	return m.Reference(name), nil
}

// Reference is the public reference for a stored file name.
func (m *Materializer) Reference(name string) string {
	return m.publicBase + "/audio/" + name
}

// IsLocal reports whether ref was produced by this materializer.
func (m *Materializer) IsLocal(ref string) bool {
	if ref == "" {
		return false
	}
	prefix := m.publicBase + "/audio/"
	if !strings.HasPrefix(ref, prefix) {
		return false
	}
	_, err := m.Path(strings.TrimPrefix(ref, prefix))
	return err == nil
}

// Discard removes the local copy behind ref, as returned by Materialize.
// A copy that is already gone is not an error.
func (m *Materializer) Discard(ref string) error {
	prefix := m.publicBase + "/audio/"
	if !strings.HasPrefix(ref, prefix) {
		return ErrInvalidName
	}
	p, err := m.Path(strings.TrimPrefix(ref, prefix))
	if errors.Is(err, ErrFileNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("audio: discard: %w", err)
	}
	return nil
}

// Path resolves a stored file name to its location on disk. Names that are
// not a single plain path element are rejected.
func (m *Materializer) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	p := filepath.Join(m.dir, name)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrFileNotFound
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrFileNotFound
	}
	return p, nil
}

func (m *Materializer) writeAtomic(name string, r io.Reader) error {
	final := filepath.Join(m.dir, name)
	tmp, err := os.CreateTemp(m.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("audio: create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, m.maxBytes+1))
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audio: write: %w", err)
	}
	if n > m.maxBytes {
		_ = tmp.Close()
		return ErrTooLarge
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return err
	}
	committed = true
	return nil
}

var (
	extPattern  = regexp.MustCompile(`^[a-z0-9]{1,5}$`)
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// extension takes the suffix of the URL's last path segment, falling back
// to mp3 when it is missing or does not look like a file extension.
func extension(u *url.URL) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if !extPattern.MatchString(ext) {
		return defaultExt
	}
	return ext
}

func fileName(correlationID string, now time.Time, ext string) string {
	id := unsafeChars.ReplaceAllString(correlationID, "_")
	id = strings.Trim(id, "_")
	if len(id) > 64 {
		id = id[:64]
	}
	if id == "" {
		id = "call"
	}
	return id + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "." + ext
}
