// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dar

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// ReaderOption configures an Archive.
type ReaderOption func(*Archive)

// WithReaderLogger sets the logger for debug output.
func WithReaderLogger(logger log.FieldLogger) ReaderOption {
	return func(a *Archive) {
		a.log = logger
	}
}

// Open opens the dar archive from r, which holds size bytes. It checks
// that the file is actually a complete dar archive and parses its index;
// it will return an error wrapping ErrFormat when it's not.
func Open(r io.ReaderAt, size int64, opts ...ReaderOption) (*Archive, error) {
	ar := &Archive{
		reader: r,
		size:   size,
		log:    discardLogger(),
	}
	for _, o := range opts {
		o(ar)
	}

	if size < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes is too short for a header", ErrFormat, size)
	}
	headerBytes := make([]byte, HeaderLength)
	if _, err := r.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := ar.header.UnmarshalBinary(headerBytes); err != nil {
		return nil, err
	}

	indexOffset := int64(ar.header.IndexOffset)
	switch {
	case indexOffset == 0:
		return nil, ErrIncomplete
	case indexOffset < HeaderLength || indexOffset+IndexHeaderLength > size:
		return nil, fmt.Errorf("%w: index offset %d out of bounds", ErrFormat, indexOffset)
	}

	indexBytes := make([]byte, size-indexOffset)
	if _, err := r.ReadAt(indexBytes, indexOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read index: %w", err)
	}
	entries, err := unmarshalIndex(indexBytes, ar.header.IndexOffset)
	if err != nil {
		return nil, err
	}
	ar.entries = entries

	ar.log.WithFields(log.Fields{
		"entries":      len(entries),
		"index_offset": indexOffset,
	}).Debug("dar: index parsed")
	return ar, nil
}

// Archive provides concurrent io for a dar file, and can provide
// an io.Reader for each file separately to perform actions on.
// Nothing in an Archive changes after Open, so it's safe to use from
// multiple goroutines as long as the underlying io.ReaderAt is.
type Archive struct {
	reader io.ReaderAt
	closer io.Closer
	size   int64
	log    log.FieldLogger

	header  Header
	entries []IndexEntry
}

// Header returns the archive's file header.
func (a *Archive) Header() Header {
	return a.header
}

// Entries lists the archive's entries in the order they were added.
func (a *Archive) Entries() []IndexEntry {
	return a.entries
}

// Lookup finds the entry with the given name. Names aren't required to be
// unique, the first entry added under name wins.
func (a *Archive) Lookup(name string) (IndexEntry, bool) {
	for _, e := range a.entries {
		if e.Name == name {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// Size returns the decoded size of the entry. For compressed entries
// it's read from the size trailer.
func (a *Archive) Size(e IndexEntry) (int64, error) {
	if !e.Encoding.Compressed() {
		return int64(e.Size), nil
	}
	return readTrailer(a.section(e))
}

// ReadAll returns the entire decoded contents of a file with a given name.
func (a *Archive) ReadAll(name string) ([]byte, error) {
	e, ok := a.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a.ReadEntry(e)
}

// ReadEntry returns the entire decoded contents of e.
func (a *Archive) ReadEntry(e IndexEntry) ([]byte, error) {
	r, err := a.OpenEntry(e)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := readSized(r, r.size)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Name, err)
	}
	return data, nil
}

// Open returns a Reader for a file in the Archive.
func (a *Archive) Open(name string) (*Reader, error) {
	e, ok := a.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a.OpenEntry(e)
}

// OpenEntry returns a Reader for e.
func (a *Archive) OpenEntry(e IndexEntry) (*Reader, error) {
	rc, size, err := e.Encoding.NewDecoder(a.section(e))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Name, err)
	}
	a.log.WithFields(log.Fields{
		"name":     e.Name,
		"encoding": e.Encoding.String(),
	}).Debug("dar: entry opened")
	return &Reader{
		entry:   e,
		decoder: rc,
		size:    size,
	}, nil
}

// Close releases the file backing the archive, if it was opened with OpenFile.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *Archive) section(e IndexEntry) *io.SectionReader {
	return io.NewSectionReader(a.reader, int64(e.Offset), int64(e.Size))
}

// Reader is a reader for a single file in an Archive.
// Abstracts away the location and the encoding of the content.
type Reader struct {
	entry   IndexEntry
	decoder io.ReadCloser
	size    int64
}

// Read reads already decoded data. It fails with ErrCorrupt when the
// content decodes to a different size than recorded.
func (r *Reader) Read(p []byte) (n int, err error) {
	return r.decoder.Read(p)
}

// Entry returns the index entry being read.
func (r *Reader) Entry() IndexEntry {
	return r.entry
}

// Size returns the decoded size of the entry.
func (r *Reader) Size() int64 {
	return r.size
}

// Close releases the decoder.
func (r *Reader) Close() error {
	return r.decoder.Close()
}
