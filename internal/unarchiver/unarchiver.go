// Package unarchiver extracts bundle archives into a directory.
package unarchiver

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/cosnicolaou/pbzip2"
	"github.com/fujiwara/shapeio"
	"github.com/klauspost/compress/gzip"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

type Format string

const (
	FormatUnknown  Format = ""
	FormatTar      Format = "tar"
	FormatTarBzip2 Format = "tar.bz2"
	FormatTarGzip  Format = "tar.gz"
	FormatZip      Format = "zip"
)

// DetectFormat picks the archive format from the file name, falling back to the leading bytes.
func DetectFormat(name string, head []byte) Format {
	name = strings.ToLower(name)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch {
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		return FormatTarBzip2
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGzip
	case strings.HasSuffix(name, ".tar"):
		return FormatTar
	case strings.HasSuffix(name, ".zip"):
		return FormatZip
	}
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGzip
	case bytes.HasPrefix(head, []byte("BZh")):
		return FormatTarBzip2
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar
	}
	return FormatUnknown
}

type Unarchiver struct {
	unarchiveLimitBytesPerSec float64
	maxExtractedBytes         int64
}

func NewUnarchiver(options ...UnarchiverOption) *Unarchiver {
	u := &Unarchiver{
		unarchiveLimitBytesPerSec: math.MaxFloat64,
	}
	for _, option := range options {
		option(u)
	}
	return u
}

// Unarchive extracts the archive at archivePath into destPath. nameHint, usually
// the download URL, is used to detect the format before the content is sniffed.
// Entries that would land outside destPath abort the extraction. On failure
// destPath is removed.
func (u *Unarchiver) Unarchive(ctx context.Context, archivePath string, nameHint string, destPath string) error {
	logger := logging.FromContext(ctx)
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("unarchiver.Unarchiver.Unarchive: %w: %w", errdefs.ErrStorage, err)
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unarchiver.Unarchiver.Unarchive: %w: %w", errdefs.ErrStorage, err)
	}
	format := DetectFormat(nameHint, head[:n])
	if format == FormatUnknown {
		return fmt.Errorf("unarchiver.Unarchiver.Unarchive: %w: unrecognized archive format", errdefs.ErrStorage)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("unarchiver.Unarchiver.Unarchive: %w: %w", errdefs.ErrStorage, err)
	}
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return fmt.Errorf("unarchiver.Unarchiver.Unarchive: failed to create destination directory %q: %w: %w", destPath, errdefs.ErrStorage, err)
	}
	logger.InfoContext(ctx, "unarchive bundle", "format", format, "dest", destPath)

	w := &writer{dest: destPath, remaining: u.maxExtractedBytes, limited: u.maxExtractedBytes > 0}
	switch format {
	case FormatZip:
		err = u.unzip(ctx, f, w)
	default:
		err = u.untar(ctx, f, format, w)
	}
	if err != nil {
		if rmErr := os.RemoveAll(destPath); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove destination directory %q: %w", destPath, rmErr))
		}
		if !errors.Is(err, errdefs.ErrUnsafePath) && !errors.Is(err, errdefs.ErrSizeLimit) {
			err = fmt.Errorf("%w: %w", errdefs.ErrStorage, err)
		}
		return fmt.Errorf("unarchiver.Unarchiver.Unarchive: failed to unarchive to %q: %w", destPath, err)
	}
	return nil
}

func (u *Unarchiver) limit(ctx context.Context, r io.Reader) io.Reader {
	limited := shapeio.NewReaderWithContext(r, ctx)
	limited.SetRateLimit(u.unarchiveLimitBytesPerSec)
	return limited
}

func (u *Unarchiver) untar(ctx context.Context, archive io.Reader, format Format, w *writer) error {
	var r io.Reader
	switch format {
	case FormatTarBzip2:
		r = pbzip2.NewReader(ctx, archive)
	case FormatTarGzip:
		gz, err := gzip.NewReader(archive)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	default:
		r = archive
	}
	untar := tar.NewReader(u.limit(ctx, r))
	for {
		header, err := untar.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read tar header: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := w.dir(header.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := w.file(header.Name, header.FileInfo().Mode(), header.ModTime, untar); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := w.symlink(header.Name, header.Linkname); err != nil {
				return err
			}
		default:
			logging.FromContext(ctx).DebugContext(ctx, "skipping tar entry", "name", header.Name, "type", header.Typeflag)
		}
	}
}

func (u *Unarchiver) unzip(ctx context.Context, f *os.File, w *writer) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		mode := entry.Mode()
		switch {
		case mode.IsDir():
			err = w.dir(entry.Name)
		case mode&os.ModeSymlink != 0:
			err = w.zipSymlink(entry)
		case mode.IsRegular():
			err = w.zipFile(ctx, u, entry)
		default:
			logging.FromContext(ctx).DebugContext(ctx, "skipping zip entry", "name", entry.Name, "mode", mode)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
