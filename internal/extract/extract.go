// Package extract holds the pluggable email-extraction handlers and the
// aggregation of their results. Handlers are pure functions of the file
// contents so a retried job re-extracts from scratch and gets the same
// answer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"email-extraction-service/internal/entity"
)

var (
	// ErrUnsupportedFormat: no handler can parse this file. Per-file,
	// non-fatal to the job.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCorruptInput: a handler matched but parsing cannot proceed.
	// Per-file, non-fatal to the job.
	ErrCorruptInput = errors.New("corrupt input")
)

// Hit is one discovered address with provenance inside the source file.
type Hit struct {
	Address string
	Context string
}

// Extractor is one file-type handler. Matches is a pure function of file
// metadata; Extract must be restartable.
type Extractor interface {
	Name() string
	Matches(filename, mimeType string) bool
	Extract(ctx context.Context, path string) ([]Hit, error)
}

// addressPattern is the fixed matching pattern used by every handler.
var addressPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// assetSuffixes are "domains" that are really image-asset references the
// pattern false-positives on (icon@2x.png and friends).
var assetSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}

// FindAddresses scans a chunk of text and returns the plausible addresses
// in it, asset false-positives removed.
func FindAddresses(text string) []string {
	raw := addressPattern.FindAllString(text, -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, addr := range raw {
		if isAssetRef(addr) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func isAssetRef(addr string) bool {
	lower := strings.ToLower(addr)
	for _, suffix := range assetSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Normalize returns the canonical (dedup) form of an address.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Registry selects the first handler whose Matches accepts the file,
// falling back to the plain-text scanner when one is configured.
type Registry struct {
	handlers []Extractor
	fallback Extractor
}

func NewRegistry(handlers []Extractor, fallback Extractor) *Registry {
	return &Registry{handlers: handlers, fallback: fallback}
}

// Build assembles a registry from handler names, the recognized
// registration list being xlsx, csv and text. The text scanner doubles as
// the fallback whenever it is registered.
func Build(names []string) (*Registry, error) {
	var handlers []Extractor
	var fallback Extractor
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "xlsx":
			handlers = append(handlers, NewXLSXScanner())
		case "csv":
			handlers = append(handlers, NewCSVScanner())
		case "text":
			fallback = NewTextScanner()
		case "":
		default:
			return nil, fmt.Errorf("unknown extractor %q", name)
		}
	}
	return NewRegistry(handlers, fallback), nil
}

// ForFile returns the handler for a file, or nil when nothing matches and
// no fallback is registered.
func (r *Registry) ForFile(file entity.InputFile) Extractor {
	for _, h := range r.handlers {
		if h.Matches(file.Name, file.MIME) {
			return h
		}
	}
	return r.fallback
}

// Extract runs the selected handler over one input file.
func (r *Registry) Extract(ctx context.Context, file entity.InputFile) ([]Hit, error) {
	h := r.ForFile(file)
	if h == nil {
		return nil, fmt.Errorf("%w: no handler for %s (%s)", ErrUnsupportedFormat, file.Name, file.MIME)
	}
	return h.Extract(ctx, file.Path)
}
