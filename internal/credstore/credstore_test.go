package credstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func writeSessionDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "Default", "IndexedDB"), 0o755)
	os.WriteFile(filepath.Join(dir, "Default", "Cookies"), bytes.Repeat([]byte("cookie;"), 200), 0o644)
	os.WriteFile(filepath.Join(dir, "Default", "IndexedDB", "wa.db"), []byte("auth-keys"), 0o600)
	return dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestBundle_RoundTrip(t *testing.T) {
	for _, tag := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(tag), func(t *testing.T) {
			src := writeSessionDir(t)

			data, err := Pack(src, PackOptions{SessionID: "abc", Compression: tag})
			if err != nil {
				t.Fatalf("Pack failed: %v", err)
			}

			info, err := Inspect(data)
			if err != nil {
				t.Fatalf("Inspect failed: %v", err)
			}
			if info.SessionID != "abc" {
				t.Errorf("expected session abc, got %s", info.SessionID)
			}
			if info.Encrypted {
				t.Error("expected unencrypted bundle")
			}

			dst := filepath.Join(t.TempDir(), "restored")
			if err := Unpack(data, dst, UnpackOptions{}); err != nil {
				t.Fatalf("Unpack failed: %v", err)
			}
			if got := readFile(t, filepath.Join(dst, "Default", "IndexedDB", "wa.db")); got != "auth-keys" {
				t.Errorf("expected auth-keys, got %q", got)
			}
			if got := readFile(t, filepath.Join(dst, "Default", "Cookies")); !strings.HasPrefix(got, "cookie;") {
				t.Errorf("unexpected cookie content %q", got)
			}
		})
	}
}

func TestBundle_Encrypted(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	recipients, err := ParseRecipients([]string{identity.Recipient().String()})
	if err != nil {
		t.Fatalf("ParseRecipients failed: %v", err)
	}

	src := writeSessionDir(t)
	data, err := Pack(src, PackOptions{SessionID: "enc", Recipients: recipients})
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	info, _ := Inspect(data)
	if !info.Encrypted {
		t.Error("expected encrypted bundle")
	}

	dst := t.TempDir()
	if err := Unpack(data, dst, UnpackOptions{}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}

	if err := Unpack(data, dst, UnpackOptions{Identities: []age.Identity{identity}}); err != nil {
		t.Fatalf("Unpack with identity failed: %v", err)
	}
	if got := readFile(t, filepath.Join(dst, "Default", "IndexedDB", "wa.db")); got != "auth-keys" {
		t.Errorf("expected auth-keys, got %q", got)
	}
}

func TestBundle_LoadIdentities(t *testing.T) {
	identity, _ := age.GenerateX25519Identity()
	path := filepath.Join(t.TempDir(), "key.txt")
	os.WriteFile(path, []byte("# test key\n"+identity.String()+"\n"), 0o600)

	identities, err := LoadIdentities(path)
	if err != nil {
		t.Fatalf("LoadIdentities failed: %v", err)
	}
	if len(identities) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(identities))
	}
}

func TestBundle_CorruptInput(t *testing.T) {
	if err := Unpack([]byte("not cbor"), t.TempDir(), UnpackOptions{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestBundle_ChecksumMismatch(t *testing.T) {
	src := writeSessionDir(t)
	data, err := Pack(src, PackOptions{SessionID: "x", Compression: CompressionNone})
	if err != nil {
		t.Fatal(err)
	}

	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	env.Checksum[0] ^= 0xff
	tampered, _ := encMode.Marshal(env)

	if err := Unpack(tampered, t.TempDir(), UnpackOptions{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"LZ4", CompressionLZ4, false},
		{"none", CompressionNone, false},
		{"gzip", "", true},
	}

	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if ok, _ := store.Exists(ctx, "abc"); ok {
		t.Error("expected abc to be absent")
	}

	if err := store.Save(ctx, "abc", []byte("one")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, "abc", []byte("two")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	store.Save(ctx, "def", []byte("three"))

	data, err := store.Load(ctx, "abc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("expected two, got %q", data)
	}

	ids, _ := store.List(ctx)
	if len(ids) != 2 || ids[0] != "abc" || ids[1] != "def" {
		t.Errorf("expected [abc def], got %v", ids)
	}

	if err := store.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "abc"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if ok, _ := store.Exists(ctx, "abc"); ok {
		t.Error("expected abc to be deleted")
	}
}

func TestFileStore(t *testing.T) {
	testStore(t, NewFileStore(filepath.Join(t.TempDir(), "remote")))
}

func TestFileStore_ListMissingRoot(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope"))
	ids, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no ids, got %v", ids)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestOpen(t *testing.T) {
	if _, err := Open(ProviderConfig{Kind: KindMemory}); err != nil {
		t.Errorf("memory provider: %v", err)
	}
	if _, err := Open(ProviderConfig{Kind: KindFilesystem, Path: t.TempDir()}); err != nil {
		t.Errorf("filesystem provider: %v", err)
	}
	if _, err := Open(ProviderConfig{Kind: KindFilesystem}); err == nil {
		t.Error("expected error for filesystem provider without path")
	}
	if _, err := Open(ProviderConfig{Kind: "mongodb"}); err == nil {
		t.Error("expected error for unknown provider kind")
	}
}
