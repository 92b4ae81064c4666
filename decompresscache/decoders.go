package decompresscache

import (
	"compress/bzip2"
	"compress/gzip"
	"context"
	"io"
	"os"
)

// GzipDecoder decompresses a gzip-compressed source file. It is genuinely
// stdlib-only: compress/gzip is the idiomatic single-shot stream copy and
// no third-party wrapper in the example pack does anything more useful
// for this shape of call.
func GzipDecoder(_ context.Context, compressedPath string, w io.Writer) error {
	f, err := os.Open(compressedPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	_, err = io.Copy(w, gz)
	return err
}

// Bzip2Decoder decompresses a bzip2-compressed source file.
// compress/bzip2 only exposes a reader (no writer), matching the
// decompress-cache's read-only use.
func Bzip2Decoder(_ context.Context, compressedPath string, w io.Writer) error {
	f, err := os.Open(compressedPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, bzip2.NewReader(f))
	return err
}
