// Package artifact writes the raw record, diagnostics bundle and HTML report of a run.
package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/metalagman/percept/internal/config"
)

// ReportURLPrefix is prepended to report file names.
const ReportURLPrefix = "/reports/"

// Names carries the suffix shared by every artifact of one run.
type Names struct {
	Hex  string
	Unix int64
}

// NewNames draws a fresh 8-hex suffix.
func NewNames(now time.Time) (Names, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return Names{}, fmt.Errorf("generate artifact suffix: %w", err)
	}
	return Names{Hex: hex.EncodeToString(buf), Unix: now.Unix()}, nil
}

// File returns <base>_<hex>_<unix><ext>.
func (n Names) File(base, ext string) string {
	return fmt.Sprintf("%s_%s_%d%s", sanitize(base), n.Hex, n.Unix, ext)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// ReportURL maps a report file name to its public URL.
func ReportURL(file string) string {
	return ReportURLPrefix + file
}

// Writer places artifacts under the configured output root.
type Writer struct {
	root string
}

// NewWriter returns a writer rooted at cfg.Output.Root.
func NewWriter(cfg config.OutputConfig) *Writer {
	return &Writer{root: cfg.Root}
}

// Dir returns the directory for an artifact kind.
func (w *Writer) Dir(kind string) string {
	return filepath.Join(w.root, kind)
}

// WriteRaw writes the final record to raw/<template>_<hex>_<unix>.json.
func (w *Writer) WriteRaw(template string, names Names, record map[string]any) (string, error) {
	return w.write(config.DirRaw, names.File(template, ".json"), record)
}

// WriteDiagnostics writes the diagnostics bundle to dye_vat/<template>_<hex>_<unix>.json.
func (w *Writer) WriteDiagnostics(template string, names Names, diag any) (string, error) {
	return w.write(config.DirDyeVat, names.File(template, ".json"), diag)
}

func (w *Writer) write(kind, file string, value any) (string, error) {
	dir := w.Dir(kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", kind, err)
	}
	path := filepath.Join(dir, file)
	if err := writeJSON(path, value); err != nil {
		return "", err
	}
	return path, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
