package extract_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"email-extraction-service/internal/entity"
	"email-extraction-service/internal/extract"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFindAddresses(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{"plain", "contact: jane@example.com, also JOHN@Example.COM", []string{"jane@example.com", "JOHN@Example.COM"}},
		{"none", "nothing to see here", nil},
		{"asset refs dropped", "icon@2x.png and logo@3x.jpeg but real@mail.org", []string{"real@mail.org"}},
		{"plus and dots", "first.last+tag@sub.domain.co", []string{"first.last+tag@sub.domain.co"}},
		{"short tld rejected", "bad@host.x", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extract.FindAddresses(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestTextScanner(t *testing.T) {
	path := writeFile(t, "notes.txt", "contact: jane@example.com\nalso JOHN@Example.COM here\n")

	hits, err := extract.NewTextScanner().Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	if hits[0].Address != "jane@example.com" || hits[1].Address != "JOHN@Example.COM" {
		t.Fatalf("unexpected addresses: %+v", hits)
	}
	if !strings.HasPrefix(hits[0].Context, "line 1") || !strings.HasPrefix(hits[1].Context, "line 2") {
		t.Fatalf("expected line provenance, got %+v", hits)
	}
}

func TestTextScanner_RejectsBinary(t *testing.T) {
	path := writeFile(t, "blob.txt", "real@mail.org\x00\x01\x02 binary junk")

	_, err := extract.NewTextScanner().Extract(context.Background(), path)
	if !errors.Is(err, extract.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCSVScanner(t *testing.T) {
	path := writeFile(t, "contacts.csv", "name,email\nJane,jane@example.com\nJohn,\"john@example.com\"\n")

	hits, err := extract.NewCSVScanner().Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	if hits[0].Address != "jane@example.com" || hits[1].Address != "john@example.com" {
		t.Fatalf("unexpected addresses: %+v", hits)
	}
}

func TestXLSXScanner_CorruptInput(t *testing.T) {
	path := writeFile(t, "report.xlsx", "this is not a spreadsheet")

	_, err := extract.NewXLSXScanner().Extract(context.Background(), path)
	if !errors.Is(err, extract.ErrCorruptInput) {
		t.Fatalf("expected ErrCorruptInput, got %v", err)
	}
}

func TestRegistry_Selection(t *testing.T) {
	registry, err := extract.Build([]string{"xlsx", "csv", "text"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cases := []struct {
		file entity.InputFile
		want string
	}{
		{entity.InputFile{Name: "report.xlsx", MIME: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}, "xlsx"},
		{entity.InputFile{Name: "contacts.csv", MIME: "text/csv"}, "csv"},
		{entity.InputFile{Name: "notes.txt", MIME: "text/plain"}, "text"},
		{entity.InputFile{Name: "mystery.dat", MIME: "application/octet-stream"}, "text"},
	}
	for _, tc := range cases {
		h := registry.ForFile(tc.file)
		if h == nil {
			t.Fatalf("no handler for %s", tc.file.Name)
		}
		if h.Name() != tc.want {
			t.Fatalf("%s: expected handler %q, got %q", tc.file.Name, tc.want, h.Name())
		}
	}
}

func TestRegistry_NoHandlerNoFallback(t *testing.T) {
	registry, err := extract.Build([]string{"csv"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = registry.Extract(context.Background(), entity.InputFile{Name: "blob.bin", MIME: "application/octet-stream"})
	if !errors.Is(err, extract.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestBuild_UnknownName(t *testing.T) {
	if _, err := extract.Build([]string{"pdf"}); err == nil {
		t.Fatal("expected error for unknown extractor name")
	}
}

func TestResultSet_DedupAndProvenance(t *testing.T) {
	rs := extract.NewResultSet()
	rs.Add("one.txt", []extract.Hit{{Address: "A@X.com", Context: "line 1"}})
	rs.Add("two.txt", []extract.Hit{
		{Address: "a@x.com", Context: "line 9"},
		{Address: "b@y.org", Context: "line 9"},
	})

	if rs.Len() != 2 {
		t.Fatalf("expected 2 unique addresses, got %d", rs.Len())
	}

	entries := rs.Entries()
	if entries[0].Address != "a@x.com" || entries[1].Address != "b@y.org" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if len(entries[0].Occurrences) != 2 {
		t.Fatalf("expected 2 occurrences of a@x.com, got %d", len(entries[0].Occurrences))
	}
	sources := entries[0].Sources()
	if len(sources) != 2 || sources[0] != "one.txt" || sources[1] != "two.txt" {
		t.Fatalf("unexpected sources: %v", sources)
	}
}
