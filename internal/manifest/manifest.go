// Package manifest reads and writes databaseUrls.json, the file that tells a
// static report which databases to load.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/zk/snapreport/internal/store"
)

// FileName is the manifest file name inside a report directory
const FileName = store.ManifestName

// Manifest lists databases and nested manifests. Entries are local paths,
// relative to the manifest, or http(s) URLs.
type Manifest struct {
	DBUrls   []string `json:"dbUrls"`
	JSONUrls []string `json:"jsonUrls"`
}

// Status values of DbDetails
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DbDetails reports how loading one manifest entry went, so a UI can show
// a partially loaded report
type DbDetails struct {
	URL     string `json:"url"`
	Status  string `json:"status"`
	Success bool   `json:"success"`
}

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Warn(format string, args ...interface{})  {}

// Write stores a manifest in dir. Entries ending in .json go to jsonUrls,
// everything else to dbUrls. Absolute local paths inside dir are made relative.
func Write(dir string, entries []string) error {
	m := Manifest{DBUrls: []string{}, JSONUrls: []string{}}
	for _, e := range entries {
		if !isURL(e) && filepath.IsAbs(e) {
			if rel, err := filepath.Rel(dir, e); err == nil && !strings.HasPrefix(rel, "..") {
				e = filepath.ToSlash(rel)
			}
		}
		if strings.EqualFold(path.Ext(e), ".json") {
			m.JSONUrls = append(m.JSONUrls, e)
		} else {
			m.DBUrls = append(m.DBUrls, e)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Read loads a manifest from disk
func Read(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", p, err)
	}
	return decode(data, p)
}

func decode(data []byte, source string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", source, err)
	}
	return &m, nil
}

// Resolver follows manifests and makes every listed database available locally
type Resolver struct {
	client      *http.Client
	downloadDir string
	logger      Logger
	group       singleflight.Group
}

// NewResolver creates a resolver. Remote databases are downloaded into downloadDir.
func NewResolver(downloadDir string, client *http.Client, logger Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Resolver{
		client:      client,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

// Resolution is the outcome of following a manifest
type Resolution struct {
	Databases []string    // local database paths in manifest order
	Details   []DbDetails // one per manifest or database entry
}

// Failed reports whether any entry could not be loaded
func (r *Resolution) Failed() bool {
	for _, d := range r.Details {
		if !d.Success {
			return true
		}
	}
	return false
}

// Resolve follows a manifest and its nested manifests. Failures of single
// entries are recorded in the details and returned together as a
// *multierror.Error; the remaining entries are still resolved.
func (r *Resolver) Resolve(ctx context.Context, manifestURL string) (*Resolution, error) {
	res := &Resolution{}
	var errs *multierror.Error
	r.resolve(ctx, manifestURL, map[string]bool{}, res, &errs)
	return res, errs.ErrorOrNil()
}

func (r *Resolver) resolve(ctx context.Context, manifestURL string, seen map[string]bool, res *Resolution, errs **multierror.Error) {
	if seen[manifestURL] {
		r.logger.Warn("Manifest %s is listed more than once, skipping", manifestURL)
		return
	}
	seen[manifestURL] = true

	m, err := r.loadManifest(ctx, manifestURL)
	if err != nil {
		r.logger.Warn("Cannot get data from %s: %v", manifestURL, err)
		res.Details = append(res.Details, DbDetails{URL: manifestURL, Status: statusOf(err), Success: false})
		*errs = multierror.Append(*errs, err)
		return
	}

	for _, nested := range m.JSONUrls {
		r.resolve(ctx, resolveEntry(manifestURL, nested), seen, res, errs)
	}

	for _, entry := range m.DBUrls {
		dbURL := resolveEntry(manifestURL, entry)
		local, err := r.fetchDatabase(ctx, dbURL)
		if err != nil {
			r.logger.Warn("Cannot load database %s: %v", dbURL, err)
			res.Details = append(res.Details, DbDetails{URL: dbURL, Status: statusOf(err), Success: false})
			*errs = multierror.Append(*errs, err)
			continue
		}
		res.Databases = append(res.Databases, local)
		res.Details = append(res.Details, DbDetails{URL: dbURL, Status: StatusOK, Success: true})
	}
}

func (r *Resolver) loadManifest(ctx context.Context, manifestURL string) (*Manifest, error) {
	if !isURL(manifestURL) {
		return Read(manifestURL)
	}

	data, err := r.get(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	return decode(data, manifestURL)
}

// fetchDatabase returns a local path for a database entry, downloading remote
// ones once per resolver
func (r *Resolver) fetchDatabase(ctx context.Context, dbURL string) (string, error) {
	if !isURL(dbURL) {
		if _, err := os.Stat(dbURL); err != nil {
			return "", fmt.Errorf("database %s: %w", dbURL, err)
		}
		return dbURL, nil
	}

	v, err, _ := r.group.Do(dbURL, func() (interface{}, error) {
		dest := filepath.Join(r.downloadDir, downloadName(dbURL))
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}

		data, err := r.get(ctx, dbURL)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(r.downloadDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create download dir: %w", err)
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return "", fmt.Errorf("failed to save %s: %w", dbURL, err)
		}
		r.logger.Debug("Downloaded %s to %s", dbURL, dest)
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// httpStatusError carries a non-2xx response status
type httpStatusError struct {
	url    string
	status string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.url, e.status)
}

func (r *Resolver) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{url: u, status: resp.Status}
	}
	return io.ReadAll(resp.Body)
}

func statusOf(err error) string {
	if se, ok := err.(*httpStatusError); ok {
		return se.status
	}
	return StatusError
}

// resolveEntry resolves an entry against the manifest that lists it
func resolveEntry(manifestURL, entry string) string {
	if isURL(entry) {
		return entry
	}
	if isURL(manifestURL) {
		base, err := url.Parse(manifestURL)
		if err != nil {
			return entry
		}
		ref, err := url.Parse(entry)
		if err != nil {
			return entry
		}
		return base.ResolveReference(ref).String()
	}
	if filepath.IsAbs(entry) {
		return entry
	}
	return filepath.Join(filepath.Dir(manifestURL), filepath.FromSlash(entry))
}

// downloadName is a stable file name for a remote database
func downloadName(u string) string {
	sum := sha256.Sum256([]byte(u))
	ext := ".db"
	if parsed, err := url.Parse(u); err == nil && path.Ext(parsed.Path) != "" {
		ext = path.Ext(parsed.Path)
	}
	return hex.EncodeToString(sum[:]) + ext
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// LoadResult holds the rows of every database a manifest leads to
type LoadResult struct {
	Rows    []store.Row
	Details []DbDetails
}

// LoadRows resolves a manifest and reads all rows of its databases. Databases
// that cannot be opened are recorded in the details and skipped.
func LoadRows(ctx context.Context, r *Resolver, manifestPath string) (*LoadResult, error) {
	res, resolveErr := r.Resolve(ctx, manifestPath)
	var errs *multierror.Error
	if resolveErr != nil {
		errs = multierror.Append(errs, resolveErr)
	}

	out := &LoadResult{}
	failed := make(map[string]error)
	for _, dbPath := range res.Databases {
		rows, err := readDatabase(ctx, dbPath)
		if err != nil {
			r.logger.Warn("Cannot read database %s: %v", dbPath, err)
			failed[dbPath] = err
			errs = multierror.Append(errs, err)
			continue
		}
		out.Rows = append(out.Rows, rows...)
	}

	// databases that resolved but could not be read are failures too
	i := 0
	for _, d := range res.Details {
		if d.Success && i < len(res.Databases) {
			if err, ok := failed[res.Databases[i]]; ok {
				d = DbDetails{URL: d.URL, Status: err.Error(), Success: false}
			}
			i++
		}
		out.Details = append(out.Details, d)
	}

	return out, errs.ErrorOrNil()
}

func readDatabase(ctx context.Context, dbPath string) ([]store.Row, error) {
	s, err := store.Open(ctx, dbPath, store.Options{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Rows(ctx)
}
