package workspace

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// MaxMemberSize is the largest archive member that will be extracted (256 MiB).
const MaxMemberSize = 256 << 20

// Defaults for the per-archive budgets of ArchiveReader.
const (
	DefaultMaxExtracted = 2 << 30
	DefaultMaxMembers   = 10000
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// ErrUnknownArchive is returned for archives that are neither zip nor tar.gz.
var ErrUnknownArchive = errors.New("unsupported archive format")

// ErrArchiveTooLarge is returned when an archive exceeds the extraction
// budget of an ArchiveReader.
var ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")

// ArchiveReader extracts zip and tar.gz archives. Every member is validated to
// stay inside the extraction directory (zip-slip). Zero limits use the
// defaults.
type ArchiveReader struct {
	// MaxExtracted bounds the total bytes written for one archive.
	MaxExtracted int64
	// MaxMembers bounds the number of entries of one archive.
	MaxMembers int
}

var _ Extractor = ArchiveReader{}

// Extract unpacks the archive at archivePath into dir and returns the paths
// of the regular members whose base name is one of candidates.
func (a ArchiveReader) Extract(archivePath, dir string, candidates []string) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	head, err := bufio.NewReader(f).Peek(len(zipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read archive header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind archive: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}

	x := &extraction{dir: absDir, candidates: candidates, bytesLeft: a.MaxExtracted, membersLeft: a.MaxMembers}
	if x.bytesLeft <= 0 {
		x.bytesLeft = DefaultMaxExtracted
	}
	if x.membersLeft <= 0 {
		x.membersLeft = DefaultMaxMembers
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return x.fromZip(f)
	case bytes.HasPrefix(head, gzipMagic):
		return x.fromTarGz(f)
	default:
		return nil, ErrUnknownArchive
	}
}

// extraction tracks one Extract call and its remaining budget.
type extraction struct {
	dir         string
	candidates  []string
	bytesLeft   int64
	membersLeft int
	found       []string
}

func (x *extraction) fromZip(f *os.File) ([]string, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			if err := x.dirMember(zf.Name); err != nil {
				return nil, err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", zf.Name, err)
		}
		err = x.fileMember(zf.Name, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}
	return x.found, nil
}

func (x *extraction) fromTarGz(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = x.dirMember(hdr.Name)
		case tar.TypeReg:
			err = x.fileMember(hdr.Name, tr)
		default:
			err = x.count()
		}
		if err != nil {
			return nil, err
		}
	}
	return x.found, nil
}

func (x *extraction) count() error {
	if x.membersLeft--; x.membersLeft < 0 {
		return fmt.Errorf("%w: too many members", ErrArchiveTooLarge)
	}
	return nil
}

// dirMember creates a directory entry. Entries naming the extraction
// directory itself, such as "./", are accepted.
func (x *extraction) dirMember(name string) error {
	if err := x.count(); err != nil {
		return err
	}
	target, err := memberPath(x.dir, name)
	if err != nil {
		return err
	}
	if target == x.dir {
		return nil
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", target, err)
	}
	return nil
}

func (x *extraction) fileMember(name string, r io.Reader) error {
	if err := x.count(); err != nil {
		return err
	}
	target, err := memberPath(x.dir, name)
	if err != nil {
		return err
	}
	if target == x.dir {
		return fmt.Errorf("archive entry %q is not a file name", name)
	}
	n, err := writeMember(target, r, min(x.bytesLeft, MaxMemberSize))
	if err != nil {
		return err
	}
	x.bytesLeft -= n
	if slices.Contains(x.candidates, filepath.Base(target)) {
		x.found = append(x.found, target)
	}
	return nil
}

// memberPath resolves an archive member name inside dir. The result is dir
// itself or lies below it.
func memberPath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean(name))
	if target != dir && !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

// writeMember writes at most limit bytes of r to target and returns the
// number written.
func writeMember(target string, r io.Reader, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file %s: %w", target, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if err != nil {
		f.Close()
		return n, fmt.Errorf("write file %s: %w", target, err)
	}
	if n > limit {
		f.Close()
		if limit < MaxMemberSize {
			return n, fmt.Errorf("%w: %s would exceed the %d byte budget", ErrArchiveTooLarge, filepath.Base(target), limit)
		}
		return n, fmt.Errorf("archive member %s exceeds %d bytes", filepath.Base(target), MaxMemberSize)
	}
	return n, f.Close()
}
