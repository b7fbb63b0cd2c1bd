// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dar

import (
	"bufio"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Chunk sizes for reading source files. The encoder sees at most
// MaxChunkSize bytes at a time.
const (
	DefaultChunkSize = 4 << 20
	MaxChunkSize     = 64 << 20
)

// Option configures a Writer.
type Option func(*Writer)

// WithEncoding sets the encoding used by Add and AddFile.
func WithEncoding(enc Encoding) Option {
	return func(w *Writer) {
		w.encoding = enc
	}
}

// WithCompressionLevel sets the level passed to compressing encoders.
func WithCompressionLevel(level int) Option {
	return func(w *Writer) {
		w.level = level
	}
}

// WithChunkSize sets how much of a source is read and encoded at once.
// Values outside (0, MaxChunkSize] fall back to the nearest bound.
func WithChunkSize(size int) Option {
	return func(w *Writer) {
		w.chunkSize = max(1, min(size, MaxChunkSize))
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger log.FieldLogger) Option {
	return func(w *Writer) {
		w.log = logger
	}
}

// Writer builds one archive. Content is written sequentially as files
// are added; Close writes the index and patches the header.
//
// Any failure aborts the session: the error sticks, later calls return
// it and Close leaves the header unpatched, so readers reject the file.
// A Writer is not safe for concurrent use; build independent archives
// with independent Writers instead.
type Writer struct {
	out    io.WriteSeeker
	closer io.Closer
	bw     *bufio.Writer

	encoding  Encoding
	level     int
	chunkSize int
	log       log.FieldLogger

	offset  int64
	entries []IndexEntry
	buf     []byte
	err     error
	closed  bool
}

// Create creates the archive file at path and writes the provisional header.
func Create(path string, opts ...Option) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := newWriter(f, f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter starts an archive on out, which must be positioned at the
// start of the archive. Close doesn't close out.
func NewWriter(out io.WriteSeeker, opts ...Option) (*Writer, error) {
	return newWriter(out, nil, opts)
}

func newWriter(out io.WriteSeeker, closer io.Closer, opts []Option) (*Writer, error) {
	w := &Writer{
		out:       out,
		closer:    closer,
		bw:        bufio.NewWriter(out),
		encoding:  EncodingPlain,
		level:     DefaultCompression,
		chunkSize: DefaultChunkSize,
		log:       discardLogger(),
	}
	for _, o := range opts {
		o(w)
	}
	if !w.encoding.Valid() {
		return nil, fmt.Errorf("unknown encoding %q", w.encoding.String())
	}

	header, _ := Header{}.MarshalBinary()
	if err := w.write(header); err != nil {
		return nil, err
	}
	return w, nil
}

// AddFile archives the file at src under name.
func (w *Writer) AddFile(src, name string) (IndexEntry, error) {
	if err := w.check(); err != nil {
		return IndexEntry{}, err
	}
	f, err := os.Open(src)
	if err != nil {
		return IndexEntry{}, w.fail(err)
	}
	defer f.Close()
	return w.AddEncoded(name, f, w.encoding)
}

// Add archives the content of r under name.
func (w *Writer) Add(name string, r io.Reader) (IndexEntry, error) {
	return w.AddEncoded(name, r, w.encoding)
}

// AddEncoded archives the content of r under name, using enc instead
// of the Writer's encoding.
func (w *Writer) AddEncoded(name string, r io.Reader, enc Encoding) (IndexEntry, error) {
	if err := w.check(); err != nil {
		return IndexEntry{}, err
	}
	if err := validateName(name); err != nil {
		return IndexEntry{}, w.fail(err)
	}
	entry, err := w.writeContent(name, r, enc)
	if err != nil {
		return IndexEntry{}, w.fail(fmt.Errorf("add %s: %w", name, err))
	}
	w.entries = append(w.entries, entry)
	w.log.WithFields(log.Fields{
		"name":     name,
		"offset":   entry.Offset,
		"size":     entry.Size,
		"encoding": entry.Encoding.String(),
	}).Debug("dar: entry added")
	return entry, nil
}

func (w *Writer) writeContent(name string, r io.Reader, enc Encoding) (IndexEntry, error) {
	encoder, err := enc.NewEncoder(w.level)
	if err != nil {
		return IndexEntry{}, err
	}
	if w.buf == nil {
		w.buf = make([]byte, w.chunkSize)
	}

	start := w.offset
	for {
		n, readErr := io.ReadFull(r, w.buf)
		if n > 0 {
			encoded, err := encoder.Encode(w.buf[:n])
			if err != nil {
				return IndexEntry{}, err
			}
			if err := w.write(encoded); err != nil {
				return IndexEntry{}, err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return IndexEntry{}, readErr
		}
	}
	// an empty chunk finalizes the encoder
	encoded, err := encoder.Encode(nil)
	if err != nil {
		return IndexEntry{}, err
	}
	if err := w.write(encoded); err != nil {
		return IndexEntry{}, err
	}

	return IndexEntry{
		Name:     name,
		Offset:   uint32(start),
		Size:     uint32(w.offset - start),
		Encoding: enc,
	}, nil
}

// write appends to the content region, keeping offsets within 32 bits.
func (w *Writer) write(p []byte) error {
	if w.offset+int64(len(p)) > MaxArchiveSize {
		return ErrSizeOverflow
	}
	n, err := w.bw.Write(p)
	w.offset += int64(n)
	return err
}

// Entries returns the entries added so far.
func (w *Writer) Entries() []IndexEntry {
	return w.entries
}

// Close writes the index, patches the header with the index offset
// and closes the file if the Writer created it.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	err := w.err
	if err == nil {
		err = w.finalize()
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// syncer is implemented by *os.File.
type syncer interface {
	Sync() error
}

func (w *Writer) finalize() error {
	indexOffset := w.offset
	index, err := marshalIndex(w.entries)
	if err != nil {
		return err
	}
	if err := w.write(index); err != nil {
		return err
	}
	// the index must be on disk before the header points to it
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if s, ok := w.out.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("sync archive: %w", err)
		}
	}

	header, _ := Header{IndexOffset: uint32(indexOffset)}.MarshalBinary()
	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.out.Write(header); err != nil {
		return err
	}
	w.log.WithFields(log.Fields{
		"entries":      len(w.entries),
		"index_offset": indexOffset,
		"index_size":   len(index),
	}).Debug("dar: header patched")
	return nil
}

func (w *Writer) check() error {
	if w.closed {
		return ErrClosed
	}
	return w.err
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}
