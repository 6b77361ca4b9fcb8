package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/multierr"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Record is one webdataset sample: the tar entries sharing a key, indexed by
// their extension ("atoks.npy", "txt", ...).
type Record struct {
	Key   string
	Files map[string][]byte
}

// splitKey separates an entry name into the sample key (the path up to the
// first dot of the basename) and the extension.
func splitKey(name string) (key, ext string) {
	dir, base := path.Split(name)

	i := strings.IndexByte(base, '.')
	if i < 0 {
		return name, ""
	}

	return dir + base[:i], base[i+1:]
}

// Compressed reports whether a shard name calls for gzip on write.
func Compressed(name string) bool {
	return strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".tgz")
}

// ReadShard calls fn for every record of a tar shard. Gzip is detected from
// the stream header, so temporary and renamed shards read the same way.
// Entries of one record must be adjacent.
func ReadShard(name string, fn func(Record) error) (err error) {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("dataset: open shard: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	br := bufio.NewReaderSize(f, 1<<20)

	var r io.Reader = br

	if magic, _ := br.Peek(2); bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("dataset: %s: %w", name, err)
		}
		defer zr.Close()

		r = zr
	}

	if err := readRecords(r, fn); err != nil {
		return fmt.Errorf("dataset: %s: %w", name, err)
	}

	return nil
}

func readRecords(r io.Reader, fn func(Record) error) error {
	tr := tar.NewReader(r)

	var cur Record

	flush := func() error {
		if cur.Key == "" {
			return nil
		}

		rec := cur
		cur = Record{}

		return fn(rec)
	}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		key, ext := splitKey(hdr.Name)
		if strings.HasPrefix(path.Base(key), "__") {
			continue
		}

		if key != cur.Key {
			if err := flush(); err != nil {
				return err
			}

			cur = Record{Key: key, Files: map[string][]byte{}}
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("read %s: %w", hdr.Name, err)
		}

		cur.Files[ext] = data
	}

	return flush()
}

// ShardWriter appends records to a tar shard, gzip-compressed when the file
// name ends in .gz or .tgz.
type ShardWriter struct {
	f      *os.File
	zw     *gzip.Writer
	tw     *tar.Writer
	n      int
	closed bool
}

// CreateShard creates (or truncates) a shard file. compress selects gzip
// regardless of the name, which lets temporary files keep a .tmp suffix.
func CreateShard(name string, compress bool) (*ShardWriter, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("dataset: create shard: %w", err)
	}

	w := &ShardWriter{f: f}

	var dst io.Writer = f
	if compress {
		w.zw = gzip.NewWriter(f)
		dst = w.zw
	}

	w.tw = tar.NewWriter(dst)

	return w, nil
}

// Write stores one record. Files are written in the given extension order.
func (w *ShardWriter) Write(key string, files ...File) error {
	for _, file := range files {
		hdr := &tar.Header{
			Name:    key + "." + file.Ext,
			Mode:    0o644,
			Size:    int64(len(file.Data)),
			ModTime: time.Unix(0, 0),
		}

		if err := w.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("dataset: write %s: %w", hdr.Name, err)
		}

		if _, err := w.tw.Write(file.Data); err != nil {
			return fmt.Errorf("dataset: write %s: %w", hdr.Name, err)
		}
	}

	w.n++

	return nil
}

// Records is the number of records written so far.
func (w *ShardWriter) Records() int {
	return w.n
}

// Close flushes the tar stream, the gzip stream and the file. Later calls
// are no-ops.
func (w *ShardWriter) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	err := w.tw.Close()
	if w.zw != nil {
		err = multierr.Append(err, w.zw.Close())
	}

	return multierr.Append(err, w.f.Close())
}

// File is one entry of a record.
type File struct {
	Ext  string
	Data []byte
}
