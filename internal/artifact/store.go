package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNotFound is returned by Retrieve when no artifact exists under the
// given identifiers.
var ErrNotFound = errors.New("artifact not found")

// InvalidNameError reports an identifier that failed the strict
// allow-pattern. Requests carrying one never touch the filesystem.
type InvalidNameError struct {
	Segment string
	Value   string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Segment, e.Value)
}

// reportIDPattern allows alphanumerics, hyphen and underscore only. No
// separators, no dots, no NUL can match.
var reportIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store persists validated artifacts under {reportID}/{filename}.
//
// Both identifiers are re-checked against the allow-patterns on every
// call, and the joined path is additionally required to resolve inside the
// base directory. The two checks are deliberate defense in depth: the
// pattern rejects before any filesystem access, the containment check
// guards against anything the pattern analysis missed.
type Store struct {
	base   string
	logger *slog.Logger
}

// NewStore creates a store rooted at baseDir, creating it if needed.
func NewStore(baseDir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact base: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating artifact base: %w", err)
	}
	// Resolve the base once so later containment comparisons are against
	// the real path even when the workspace sits behind a symlink.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact base: %w", err)
	}
	return &Store{base: resolved, logger: logger}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.base
}

// Persist copies a validated artifact into the report's directory and
// returns the stored path. Unvalidated metas are refused.
func (s *Store) Persist(reportID string, meta *Meta) (string, error) {
	if meta == nil || !meta.Validated {
		return "", errors.New("refusing to persist an unvalidated artifact")
	}

	dest, err := s.safeJoin(reportID, meta.Filename)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	if err := copyFile(meta.SourcePath, dest); err != nil {
		return "", fmt.Errorf("persisting artifact: %w", err)
	}

	s.logger.Info("artifact persisted",
		slog.String("report_id", reportID),
		slog.String("filename", meta.Filename),
		slog.String("content_type", meta.ContentType),
		slog.Int64("size", meta.Size),
	)
	return dest, nil
}

// Retrieve returns the stored path and content type for an artifact, or
// ErrNotFound.
func (s *Store) Retrieve(reportID, filename string) (string, string, error) {
	path, err := s.safeJoin(reportID, filename)
	if err != nil {
		return "", "", err
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", "", fmt.Errorf("%s/%s: %w", reportID, filename, ErrNotFound)
	}

	contentType, ok := ContentTypeFor(filename)
	if !ok {
		// Persist only admits allowlisted extensions; an unknown one here
		// means the file was placed by something else.
		return "", "", fmt.Errorf("%s/%s: %w", reportID, filename, ErrNotFound)
	}
	return path, contentType, nil
}

// DeleteReport removes a report's directory and everything in it.
func (s *Store) DeleteReport(reportID string) error {
	dir, err := s.reportDir(reportID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting report %s: %w", reportID, err)
	}
	return nil
}

// List returns the report's artifact filenames in lexical order. A report
// with no artifacts yields an empty list, not an error.
func (s *Store) List(reportID string) ([]string, error) {
	dir, err := s.reportDir(reportID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing report %s: %w", reportID, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Reports returns every report id currently holding artifacts.
func (s *Store) Reports() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && reportIDPattern.MatchString(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// reportDir validates the report id and returns its contained directory.
func (s *Store) reportDir(reportID string) (string, error) {
	if !reportIDPattern.MatchString(reportID) {
		return "", &InvalidNameError{Segment: "report id", Value: reportID}
	}
	dir := filepath.Join(s.base, reportID)
	if err := s.ensureContained(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// safeJoin validates both identifiers, joins them under the base and
// confirms containment of the result.
func (s *Store) safeJoin(reportID, filename string) (string, error) {
	if !reportIDPattern.MatchString(reportID) {
		return "", &InvalidNameError{Segment: "report id", Value: reportID}
	}
	if !filenamePattern.MatchString(filename) {
		return "", &InvalidNameError{Segment: "filename", Value: filename}
	}

	path := filepath.Join(s.base, reportID, filename)
	if err := s.ensureContained(path); err != nil {
		return "", err
	}
	return path, nil
}

// ensureContained rejects any path that does not sit strictly below the
// base directory after cleaning.
func (s *Store) ensureContained(path string) error {
	cleaned := filepath.Clean(path)
	if !strings.HasPrefix(cleaned, s.base+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the artifact base", cleaned)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
