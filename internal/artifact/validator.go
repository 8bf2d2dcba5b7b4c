// Package artifact validates files a sandboxed script emitted and persists
// the accepted ones under a per-report directory.
//
// Security: nothing a script reports about its own output is trusted. The
// validator checks the file on disk (type, size, content signature); the
// store re-validates every identifier and confirms resolved-path
// containment on every call.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jkaninda/nyumba/internal/config"
)

// ErrRejected is the sentinel wrapped by every egress rejection, so
// callers can errors.Is without matching on reasons.
var ErrRejected = errors.New("artifact rejected")

// RejectionError reports why a candidate file failed egress validation.
type RejectionError struct {
	Path   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("artifact %q rejected: %s", filepath.Base(e.Path), e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// Meta describes one validated artifact between script completion and
// persistence. SourcePath points at the ephemeral output directory and is
// invalid after the run's cleanup.
type Meta struct {
	SourcePath  string
	Filename    string
	ContentType string
	Size        int64
	Validated   bool
}

// contentTypes is the extension allowlist. Image, CSV and JSON classes
// only; SVG is excluded because scriptable XML is not a safe egress
// format.
var contentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".csv":  "text/csv; charset=utf-8",
	".json": "application/json",
}

// magicHeaderLen covers the longest signature (WEBP: RIFF....WEBP).
const magicHeaderLen = 12

// magicCheckers verifies the leading bytes of the binary image formats. A
// file claiming one of these extensions must carry the matching signature.
var magicCheckers = map[string]func([]byte) bool{
	".png":  hasPrefix([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}),
	".jpg":  hasPrefix([]byte{0xff, 0xd8, 0xff}),
	".jpeg": hasPrefix([]byte{0xff, 0xd8, 0xff}),
	".gif":  anyPrefix([]byte("GIF87a"), []byte("GIF89a")),
	".webp": func(h []byte) bool {
		return len(h) >= 12 && bytes.Equal(h[0:4], []byte("RIFF")) && bytes.Equal(h[8:12], []byte("WEBP"))
	},
}

func hasPrefix(p []byte) func([]byte) bool {
	return func(h []byte) bool { return bytes.HasPrefix(h, p) }
}

func anyPrefix(prefixes ...[]byte) func([]byte) bool {
	return func(h []byte) bool {
		for _, p := range prefixes {
			if bytes.HasPrefix(h, p) {
				return true
			}
		}
		return false
	}
}

// filenamePattern allows a simple name with at most one extension: no
// separators, no dot sequences, no leading dot, no NUL, by construction.
var filenamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9]+)?$`)

// ContentTypeFor returns the served content type for an allowlisted
// filename extension.
func ContentTypeFor(filename string) (string, bool) {
	ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	return ct, ok
}

// Validator performs egress checks on files a script wrote to its output
// directory.
type Validator struct {
	maxSize int64
	logger  *slog.Logger
	observe func(accepted bool) // nil = no counters
}

// NewValidator creates a validator with the configured size ceiling.
func NewValidator(cfg *config.ArtifactsConfig, logger *slog.Logger) *Validator {
	return &Validator{maxSize: cfg.MaxSize(), logger: logger}
}

// WithObserver registers a callback invoked once per validated candidate,
// with the outcome. Used to feed metrics without coupling this package to
// a metrics library.
func (v *Validator) WithObserver(observe func(accepted bool)) *Validator {
	v.observe = observe
	return v
}

// Validate inspects one candidate file and returns its Meta, or a
// RejectionError. Symlinks are rejected before any open so a script
// cannot exfiltrate host files by linking them into the output directory.
func (v *Validator) Validate(candidatePath string) (*Meta, error) {
	name := filepath.Base(candidatePath)

	info, err := os.Lstat(candidatePath)
	if err != nil {
		return nil, v.reject(candidatePath, fmt.Sprintf("stat failed: %v", err))
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, v.reject(candidatePath, "symlinks are not permitted")
	}
	if !info.Mode().IsRegular() {
		return nil, v.reject(candidatePath, "not a regular file")
	}

	if !filenamePattern.MatchString(name) {
		return nil, v.reject(candidatePath, "unsafe filename")
	}

	ext := strings.ToLower(filepath.Ext(name))
	contentType, ok := contentTypes[ext]
	if !ok {
		return nil, v.reject(candidatePath, fmt.Sprintf("extension %q not in the allowlist", ext))
	}

	if info.Size() > v.maxSize {
		return nil, v.reject(candidatePath, fmt.Sprintf("size %d exceeds ceiling %d", info.Size(), v.maxSize))
	}

	if matches, binary := magicCheckers[ext]; binary {
		if err := checkMagic(candidatePath, matches); err != nil {
			return nil, v.reject(candidatePath, err.Error())
		}
	}

	if v.observe != nil {
		v.observe(true)
	}
	return &Meta{
		SourcePath:  candidatePath,
		Filename:    name,
		ContentType: contentType,
		Size:        info.Size(),
		Validated:   true,
	}, nil
}

// ValidateDir validates every entry of a run's output directory, returning
// the accepted artifacts. Rejections are logged and skipped; one bad file
// never blocks the rest.
func (v *Validator) ValidateDir(dir string) []*Meta {
	entries, err := os.ReadDir(dir)
	if err != nil {
		v.logger.Warn("reading artifact output directory", slog.String("dir", dir), slog.String("error", err.Error()))
		return nil
	}

	var accepted []*Meta
	for _, entry := range entries {
		meta, err := v.Validate(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		accepted = append(accepted, meta)
	}
	return accepted
}

func (v *Validator) reject(path, reason string) error {
	err := &RejectionError{Path: path, Reason: reason}
	v.logger.Warn("artifact rejected",
		slog.String("file", filepath.Base(path)),
		slog.String("reason", reason),
	)
	if v.observe != nil {
		v.observe(false)
	}
	return err
}

// checkMagic confirms the file's leading bytes satisfy the signature
// matcher for its claimed extension.
func checkMagic(path string, matches func([]byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for signature check: %v", err)
	}
	defer f.Close()

	header := make([]byte, magicHeaderLen)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read for signature check: %v", err)
	}

	if !matches(header[:n]) {
		return errors.New("content signature does not match the claimed type")
	}
	return nil
}
