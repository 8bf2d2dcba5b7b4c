package artifact

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/nyumba/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestValidator(maxSize int64) *Validator {
	return NewValidator(&config.ArtifactsConfig{MaxSizeBytes: maxSize}, testLogger())
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// pngBytes returns a minimal buffer opening with the PNG signature.
func pngBytes() []byte {
	return append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, []byte("IHDR....")...)
}

func TestValidate_AcceptsAllowlistedTypes(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	tests := []struct {
		name        string
		content     []byte
		contentType string
	}{
		{"chart.png", pngBytes(), "image/png"},
		{"photo.jpg", []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}, "image/jpeg"},
		{"anim.gif", []byte("GIF89a......"), "image/gif"},
		{"pic.webp", []byte("RIFF\x10\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"data.csv", []byte("room,temp\nkitchen,21.5\n"), "text/csv; charset=utf-8"},
		{"result.json", []byte(`{"ok": true}`), "application/json"},
	}

	for _, tc := range tests {
		meta, err := v.Validate(writeFile(t, dir, tc.name, tc.content))
		if err != nil {
			t.Errorf("%s: unexpected rejection: %v", tc.name, err)
			continue
		}
		if !meta.Validated {
			t.Errorf("%s: validated = false", tc.name)
		}
		if meta.ContentType != tc.contentType {
			t.Errorf("%s: content type = %q, want %q", tc.name, meta.ContentType, tc.contentType)
		}
		if meta.Filename != tc.name {
			t.Errorf("%s: filename = %q", tc.name, meta.Filename)
		}
		if meta.Size != int64(len(tc.content)) {
			t.Errorf("%s: size = %d, want %d", tc.name, meta.Size, len(tc.content))
		}
	}
}

func TestValidate_RejectsDisallowedExtensions(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	for _, name := range []string{"payload.exe", "page.html", "vector.svg", "script.py", "noext"} {
		_, err := v.Validate(writeFile(t, dir, name, []byte("content")))
		if err == nil {
			t.Errorf("%s: accepted, want rejection", name)
			continue
		}
		if !errors.Is(err, ErrRejected) {
			t.Errorf("%s: error = %v, want ErrRejected", name, err)
		}
	}
}

func TestValidate_RejectsOversize(t *testing.T) {
	v := newTestValidator(8)
	dir := t.TempDir()

	_, err := v.Validate(writeFile(t, dir, "big.csv", []byte("123456789")))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected for oversize file", err)
	}

	if _, err := v.Validate(writeFile(t, dir, "fits.csv", []byte("12345678"))); err != nil {
		t.Errorf("file at the ceiling rejected: %v", err)
	}
}

func TestValidate_RejectsSymlink(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	target := writeFile(t, dir, "real.csv", []byte("a,b\n"))
	link := filepath.Join(dir, "link.csv")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := v.Validate(link)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected for symlink", err)
	}
}

func TestValidate_RejectsWrongSignature(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content []byte
	}{
		{"fake.png", []byte("just text pretending to be an image")},
		{"fake.jpg", []byte("GIF89a")},
		{"fake.gif", pngBytes()},
		{"fake.webp", []byte("RIFFxxxxNOPE")},
		{"empty.png", nil},
	}
	for _, tc := range tests {
		_, err := v.Validate(writeFile(t, dir, tc.name, tc.content))
		if !errors.Is(err, ErrRejected) {
			t.Errorf("%s: error = %v, want signature rejection", tc.name, err)
		}
	}
}

func TestValidate_TextFormatsSkipSignatureCheck(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	// CSV and JSON have no magic bytes; arbitrary leading bytes are fine.
	if _, err := v.Validate(writeFile(t, dir, "free.csv", []byte{0x00, 0x01, 0x02})); err != nil {
		t.Errorf("csv rejected on content: %v", err)
	}
}

func TestValidate_RejectsUnsafeFilenames(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	for _, name := range []string{"two.dots.csv", "spaced name.csv", "comma,bad.json"} {
		_, err := v.Validate(writeFile(t, dir, name, []byte("x")))
		if !errors.Is(err, ErrRejected) {
			t.Errorf("%q: error = %v, want rejection", name, err)
		}
	}
}

func TestValidate_RejectsMissingAndDirectories(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	if _, err := v.Validate(filepath.Join(dir, "absent.csv")); !errors.Is(err, ErrRejected) {
		t.Errorf("missing file: error = %v, want rejection", err)
	}

	sub := filepath.Join(dir, "subdir.csv")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := v.Validate(sub); !errors.Is(err, ErrRejected) {
		t.Errorf("directory: error = %v, want rejection", err)
	}
}

func TestValidateDir_SkipsRejectedKeepsAccepted(t *testing.T) {
	v := newTestValidator(0)
	dir := t.TempDir()

	writeFile(t, dir, "good.csv", []byte("a,b\n1,2\n"))
	writeFile(t, dir, "chart.png", pngBytes())
	writeFile(t, dir, "bad.exe", []byte("MZ"))
	writeFile(t, dir, "fake.png", []byte("nope"))

	accepted := v.ValidateDir(dir)
	if len(accepted) != 2 {
		t.Fatalf("accepted %d artifacts, want 2", len(accepted))
	}
	names := map[string]bool{}
	for _, m := range accepted {
		names[m.Filename] = true
	}
	if !names["good.csv"] || !names["chart.png"] {
		t.Errorf("accepted set = %v", names)
	}
}

func TestContentTypeFor(t *testing.T) {
	if ct, ok := ContentTypeFor("report.JSON"); !ok || ct != "application/json" {
		t.Errorf("ContentTypeFor(report.JSON) = %q, %v", ct, ok)
	}
	if _, ok := ContentTypeFor("binary.bin"); ok {
		t.Error("ContentTypeFor accepted a disallowed extension")
	}
}

func TestValidate_ObserverSeesOutcomes(t *testing.T) {
	var accepted, rejected int
	v := newTestValidator(0).WithObserver(func(ok bool) {
		if ok {
			accepted++
		} else {
			rejected++
		}
	})
	dir := t.TempDir()

	if _, err := v.Validate(writeFile(t, dir, "chart.png", pngBytes())); err != nil {
		t.Fatalf("Validate(chart.png) error = %v", err)
	}
	if _, err := v.Validate(writeFile(t, dir, "evil.py", []byte("import os"))); err == nil {
		t.Fatal("Validate(evil.py) error = nil, want rejection")
	}

	if accepted != 1 || rejected != 1 {
		t.Errorf("observer saw accepted=%d rejected=%d, want 1 and 1", accepted, rejected)
	}
}
