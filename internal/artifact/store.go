// Package artifact archives workspace files matched by glob patterns into a
// run-local store, recording a BLAKE3 digest for every file.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Compression identifies how a stored artifact is encoded.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression returns the Compression for name. Empty means zstd.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", string(CompressionZstd):
		return CompressionZstd, nil
	case string(CompressionLZ4):
		return CompressionLZ4, nil
	case string(CompressionNone):
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unsupported compression %q (want zstd, lz4 or none)", name)
	}
}

func (c Compression) suffix() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// Entry describes one archived file.
type Entry struct {
	// Stage is the stage that archived the file.
	Stage string `json:"stage" yaml:"stage"`
	// Path is the workspace-relative path using forward slashes.
	Path string `json:"path" yaml:"path"`
	// Size is the uncompressed size in bytes.
	Size int64 `json:"size" yaml:"size"`
	// Digest is "blake3:" followed by the hex digest of the uncompressed content.
	Digest string `json:"digest" yaml:"digest"`
	// Compression is the encoding of the stored copy.
	Compression Compression `json:"compression" yaml:"compression"`
	// StoredAs is the path of the stored copy relative to the store directory.
	StoredAs string `json:"storedAs" yaml:"storedAs"`
	// StoredSize is the size of the stored copy in bytes.
	StoredSize int64 `json:"storedSize" yaml:"storedSize"`
}

// ErrNoMatches is returned by Archive when no file matched and empty archives are not allowed.
var ErrNoMatches = errors.New("no files matched the artifact patterns")

// Store writes artifacts below Dir.
type Store struct {
	Dir         string
	Compression Compression
}

// NewStore constructs a Store rooted at dir.
func NewStore(dir string, compression Compression) *Store {
	if compression == "" {
		compression = CompressionZstd
	}
	return &Store{Dir: dir, Compression: compression}
}

// Match expands patterns relative to workspace and returns the matching
// regular files as sorted, de-duplicated slash paths.
func Match(workspace string, patterns []string) ([]string, error) {
	fsys := os.DirFS(workspace)
	seen := make(map[string]struct{})
	var out []string
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pattern)), "./")
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid glob pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Archive copies every workspace file matching patterns into the store under
// the stage's directory. It returns ErrNoMatches when nothing matched unless
// allowEmpty is set.
func (s *Store) Archive(ctx context.Context, stage, workspace string, patterns []string, allowEmpty bool) ([]Entry, error) {
	files, err := Match(workspace, patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if allowEmpty {
			return nil, nil
		}
		return nil, fmt.Errorf("archive %s: %w", strings.Join(patterns, ", "), ErrNoMatches)
	}

	entries := make([]Entry, 0, len(files))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		entry, err := s.store(stage, workspace, rel)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) store(stage, workspace, rel string) (Entry, error) {
	src, err := os.Open(filepath.Join(workspace, filepath.FromSlash(rel)))
	if err != nil {
		return Entry{}, fmt.Errorf("open artifact %q: %w", rel, err)
	}
	defer func() { _ = src.Close() }()

	storedAs := path.Join(stageDir(stage), rel) + s.Compression.suffix()
	dstPath := filepath.Join(s.Dir, filepath.FromSlash(storedAs))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return Entry{}, fmt.Errorf("create artifact dir: %w", err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return Entry{}, fmt.Errorf("create artifact %q: %w", storedAs, err)
	}

	hasher := blake3.New()
	enc, err := s.encoder(dst)
	if err != nil {
		_ = dst.Close()
		return Entry{}, err
	}
	size, err := io.Copy(io.MultiWriter(enc, hasher), src)
	if err != nil {
		_ = enc.Close()
		_ = dst.Close()
		return Entry{}, fmt.Errorf("copy artifact %q: %w", rel, err)
	}
	if err := enc.Close(); err != nil {
		_ = dst.Close()
		return Entry{}, fmt.Errorf("finish artifact %q: %w", rel, err)
	}
	info, err := dst.Stat()
	if err != nil {
		_ = dst.Close()
		return Entry{}, fmt.Errorf("stat artifact %q: %w", storedAs, err)
	}
	if err := dst.Close(); err != nil {
		return Entry{}, fmt.Errorf("close artifact %q: %w", storedAs, err)
	}

	return Entry{
		Stage:       stage,
		Path:        rel,
		Size:        size,
		Digest:      "blake3:" + hex.EncodeToString(hasher.Sum(nil)),
		Compression: s.Compression,
		StoredAs:    storedAs,
		StoredSize:  info.Size(),
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (s *Store) encoder(w io.Writer) (io.WriteCloser, error) {
	switch s.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", s.Compression)
	}
}

// Open returns a reader over the uncompressed content of an archived entry.
func (s *Store) Open(e Entry) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Dir, filepath.FromSlash(e.StoredAs)))
	if err != nil {
		return nil, fmt.Errorf("open stored artifact %q: %w", e.StoredAs, err)
	}
	switch e.Compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("init zstd decoder: %w", err)
		}
		return &readCloser{Reader: dec, close: func() error { dec.Close(); return f.Close() }}, nil
	case CompressionLZ4:
		return &readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
	default:
		return f, nil
	}
}

// Verify recomputes the digest of a stored entry and compares it with the manifest.
func (s *Store) Verify(e Entry) error {
	rc, err := s.Open(e)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return fmt.Errorf("read stored artifact %q: %w", e.StoredAs, err)
	}
	got := "blake3:" + hex.EncodeToString(hasher.Sum(nil))
	if got != e.Digest {
		return fmt.Errorf("artifact %q digest mismatch: manifest %s, stored %s", e.Path, e.Digest, got)
	}
	return nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

func stageDir(stage string) string {
	var b strings.Builder
	for _, r := range stage {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || b.String() == "." || b.String() == ".." {
		return "stage"
	}
	return b.String()
}
