package credstore

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

const bundleVersion = 1

// Compression selects how the archived session directory is compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression maps a config value to a Compression. Empty means zstd.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown compression: %q", name)
	}
}

// envelope is the CBOR record written to a Store.
type envelope struct {
	Version     int    `cbor:"version"`
	SessionID   string `cbor:"session_id"`
	Compression string `cbor:"compression"`
	Encrypted   bool   `cbor:"encrypted"`
	Size        int    `cbor:"size"`
	Checksum    []byte `cbor:"checksum"`
	CreatedAt   int64  `cbor:"created_at"`
	Payload     []byte `cbor:"payload"`
}

// Info describes a bundle without extracting it.
type Info struct {
	SessionID   string
	Compression Compression
	Encrypted   bool
	Size        int
	CreatedAt   time.Time
}

// PackOptions controls Pack.
type PackOptions struct {
	SessionID   string
	Compression Compression
	// Recipients, when set, encrypt the payload with age.
	Recipients []age.Recipient
}

// UnpackOptions controls Unpack.
type UnpackOptions struct {
	// Identities decrypt bundles that were packed with recipients.
	Identities []age.Identity
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	errIncompressible = errors.New("data is incompressible")
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("credstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("credstore: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("credstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("credstore: zstd decoder initialization failed: " + err.Error())
	}
}

// Pack archives dir into a bundle suitable for Store.Save.
func Pack(dir string, opts PackOptions) ([]byte, error) {
	archive, err := archiveDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", dir, err)
	}
	sum := blake3.Sum256(archive)

	tag := opts.Compression
	if tag == "" {
		tag = CompressionZstd
	}
	payload, err := compress(archive, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload, err = CompressionNone, archive, nil
	}
	if err != nil {
		return nil, err
	}

	encrypted := len(opts.Recipients) > 0
	if encrypted {
		payload, err = encrypt(payload, opts.Recipients)
		if err != nil {
			return nil, err
		}
	}

	data, err := encMode.Marshal(envelope{
		Version:     bundleVersion,
		SessionID:   opts.SessionID,
		Compression: string(tag),
		Encrypted:   encrypted,
		Size:        len(archive),
		Checksum:    sum[:],
		CreatedAt:   time.Now().UTC().UnixMilli(),
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}

// Inspect decodes the bundle header.
func Inspect(data []byte) (Info, error) {
	env, err := decode(data)
	if err != nil {
		return Info{}, err
	}
	return Info{
		SessionID:   env.SessionID,
		Compression: Compression(env.Compression),
		Encrypted:   env.Encrypted,
		Size:        env.Size,
		CreatedAt:   time.UnixMilli(env.CreatedAt).UTC(),
	}, nil
}

// Unpack verifies a bundle and extracts it into dir, which is created if
// needed. Existing files with the same names are overwritten.
func Unpack(data []byte, dir string, opts UnpackOptions) error {
	env, err := decode(data)
	if err != nil {
		return err
	}

	payload := env.Payload
	if env.Encrypted {
		if len(opts.Identities) == 0 {
			return ErrNoIdentity
		}
		payload, err = decrypt(payload, opts.Identities)
		if err != nil {
			return err
		}
	}

	archive, err := decompress(payload, Compression(env.Compression), env.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	sum := blake3.Sum256(archive)
	if !bytes.Equal(sum[:], env.Checksum) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	return extractArchive(archive, dir)
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != bundleVersion {
		return env, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}
	return env, nil
}

func compress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", tag)
	}
}

func decompress(data []byte, tag Compression, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("raw payload: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", tag)
	}
}

func encrypt(plaintext []byte, recipients []age.Recipient) ([]byte, error) {
	var out bytes.Buffer
	writer, err := age.Encrypt(&out, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

func decrypt(ciphertext []byte, identities []age.Identity) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted payload: %w", err)
	}
	return plaintext, nil
}

// ParseRecipients parses age public keys (age1...).
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// LoadIdentities reads age identities from a key file.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return identities, nil
}

func archiveDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil // Sockets, symlinks and lock files are not portable.
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extractArchive(archive []byte, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: entry %q escapes target directory", ErrCorrupt, header.Name)
		}
		target := filepath.Join(dir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode).Perm()|0o600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
