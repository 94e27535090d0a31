package qr

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPNG(t *testing.T) {
	data, err := PNG("2@abcdef,ghijkl", 0)
	if err != nil {
		t.Fatalf("PNG failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
		t.Error("expected PNG signature")
	}
}

func TestPNG_Empty(t *testing.T) {
	if _, err := PNG("", 128); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestText(t *testing.T) {
	text, err := Text("2@abcdef")
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	if len(strings.Split(strings.TrimSpace(text), "\n")) < 10 {
		t.Errorf("expected a multi-line rendering, got %q", text)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, "2@abcdef"); err != nil {
		t.Fatalf("Print failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("expected output")
	}
}

func TestPrintIfTerminal_NotATerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	printed, err := PrintIfTerminal(f, "2@abcdef")
	if err != nil {
		t.Fatalf("PrintIfTerminal failed: %v", err)
	}
	if printed {
		t.Error("expected nothing printed to a regular file")
	}
	if printed, _ := PrintIfTerminal(nil, "x"); printed {
		t.Error("expected nothing printed to nil file")
	}
}
