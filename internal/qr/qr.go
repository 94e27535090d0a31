// Package qr renders pairing QR payloads as PNG images or terminal text.
package qr

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// DefaultSize is the edge length in pixels of rendered PNG images.
const DefaultSize = 256

// ErrEmptyPayload is returned when there is nothing to encode.
var ErrEmptyPayload = errors.New("empty qr payload")

// PNG encodes payload as a PNG image of size×size pixels. A size of zero
// means DefaultSize.
func PNG(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	data, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return data, nil
}

// Text renders payload with half-block characters for a terminal.
func Text(payload string) (string, error) {
	if payload == "" {
		return "", ErrEmptyPayload
	}
	code, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return code.ToSmallString(false), nil
}

// Print writes the terminal rendering of payload to w.
func Print(w io.Writer, payload string) error {
	text, err := Text(payload)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}

// PrintIfTerminal prints payload to f only when f is attached to a terminal.
// It reports whether anything was printed.
func PrintIfTerminal(f *os.File, payload string) (bool, error) {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return false, nil
	}
	if err := Print(f, payload); err != nil {
		return false, err
	}
	return true, nil
}
