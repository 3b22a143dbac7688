package extract

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// TextScanner is the default handler: line-by-line regex scan of any file
// that looks like text. It is also the fallback for unrecognized types, so
// it sniffs for binary content and refuses it instead of producing noise.
type TextScanner struct{}

func NewTextScanner() *TextScanner { return &TextScanner{} }

func (s *TextScanner) Name() string { return "text" }

func (s *TextScanner) Matches(filename, mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".log") ||
		strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".html") ||
		strings.HasSuffix(lower, ".htm")
}

func (s *TextScanner) Extract(ctx context.Context, path string) ([]Hit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	defer f.Close()

	head := make([]byte, 8192)
	n, err := f.Read(head)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	if bytes.ContainsRune(head[:n], 0) {
		return nil, fmt.Errorf("%w: binary content", ErrUnsupportedFormat)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	var hits []Hit
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, addr := range FindAddresses(sc.Text()) {
			hits = append(hits, Hit{Address: addr, Context: fmt.Sprintf("line %d: %s", line, snippet(sc.Text()))})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	return hits, nil
}

func snippet(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		return line[:77] + "..."
	}
	return line
}
