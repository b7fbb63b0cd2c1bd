// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dar is an api for the DAR (data archive) file format.
// It bundles a tree of asset files into a single seekable file that
// knows where all of its files are located before they're read.
// The archive itself is not compressed, rather every file is
// individually encoded so it can be read from its place and decoded
// on the fly.
//
// The layout on disk is:
//
//	HEADER   magic "dar1", index offset (u32 BE)
//	CONTENT  file payloads, back to back, in insertion order
//	INDEX    index size (u32 BE), number of entries (u32 BE), entries
//
// Each index entry is content offset, content size, metadata size
// (all u32 BE), a 2 byte encoding tag, name size (u16 BE) and the name.
// All integers are big-endian, so an archive can't grow past 4 GiB.
//
// The header is written twice: once as a placeholder before any content
// and once more after the index has been written. An archive whose
// header was never patched is rejected by Open.
package dar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// package errors
var (
	ErrFormat       = errors.New("corrupted or not a dar archive")
	ErrIncomplete   = fmt.Errorf("%w: archive was not finalized", ErrFormat)
	ErrCorrupt      = errors.New("corrupted archive entry")
	ErrNotFound     = fmt.Errorf("entry not found in archive: %w", fs.ErrNotExist)
	ErrNameEncoding = errors.New("entry name is not representable in archive")
	ErrSizeOverflow = errors.New("archive size exceeds 32-bit offsets")
	ErrClosed       = errors.New("archive writer is closed")
)

// Magic identifies dar archives. It's the first 4 bytes of every archive.
const Magic = "dar1"

// Sizes relevant to the layout of the file
const (
	HeaderLength      = 8
	IndexHeaderLength = 8
	EntryHeaderLength = 16
	TrailerLength     = 4
	MaxNameLength     = math.MaxUint16
	MaxArchiveSize    = math.MaxUint32
)

// Header is the fixed size file header of dar files.
type Header struct {
	IndexOffset uint32
}

// MarshalBinary encodes the header in its on-disk form.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLength)
	copy(buf, Magic)
	binary.BigEndian.PutUint32(buf[4:], h.IndexOffset)
	return buf, nil
}

// UnmarshalBinary decodes the header and checks the magic.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderLength || string(data[:len(Magic)]) != Magic {
		return ErrFormat
	}
	h.IndexOffset = binary.BigEndian.Uint32(data[4:])
	return nil
}

// IndexEntry is info for one file in the file index.
type IndexEntry struct {
	Name         string
	Offset       uint32
	Size         uint32
	MetadataSize uint32
	Encoding     Encoding
}

// End returns the offset just past the entry's stored content.
func (e IndexEntry) End() int64 {
	return int64(e.Offset) + int64(e.Size)
}

// encodedLen is the number of bytes the entry takes in the index.
func (e IndexEntry) encodedLen() int {
	return EntryHeaderLength + len(e.Name)
}

func (e IndexEntry) appendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, e.Offset)
	buf = binary.BigEndian.AppendUint32(buf, e.Size)
	buf = binary.BigEndian.AppendUint32(buf, e.MetadataSize)
	buf = append(buf, e.Encoding[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Name)))
	return append(buf, e.Name...)
}

// validateName checks that name fits the index entry's name field.
func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrNameEncoding)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: %q is not valid UTF-8", ErrNameEncoding, name)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: name is %d bytes long, limit is %d", ErrNameEncoding, len(name), MaxNameLength)
	}
	return nil
}

// marshalIndex encodes the whole index region.
func marshalIndex(entries []IndexEntry) ([]byte, error) {
	size := IndexHeaderLength
	for _, e := range entries {
		size += e.encodedLen()
	}
	if uint64(size) > MaxArchiveSize || uint64(len(entries)) > math.MaxUint32 {
		return nil, ErrSizeOverflow
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = e.appendTo(buf)
	}
	return buf, nil
}

// unmarshalIndex parses the index region. indexOffset bounds the content
// ranges the entries may refer to.
func unmarshalIndex(data []byte, indexOffset uint32) ([]IndexEntry, error) {
	if len(data) < IndexHeaderLength {
		return nil, fmt.Errorf("%w: truncated index", ErrFormat)
	}
	indexSize := binary.BigEndian.Uint32(data)
	numEntries := binary.BigEndian.Uint32(data[4:])
	if indexSize < IndexHeaderLength || uint64(indexSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: index size %d out of bounds", ErrFormat, indexSize)
	}
	data = data[:indexSize]
	// every entry takes at least its fixed header
	if uint64(numEntries)*EntryHeaderLength > uint64(indexSize-IndexHeaderLength) {
		return nil, fmt.Errorf("%w: %d entries don't fit the index", ErrFormat, numEntries)
	}

	entries := make([]IndexEntry, 0, numEntries)
	pos := IndexHeaderLength
	for i := uint32(0); i < numEntries; i++ {
		if len(data)-pos < EntryHeaderLength {
			return nil, fmt.Errorf("%w: truncated index entry %d", ErrFormat, i)
		}
		var e IndexEntry
		e.Offset = binary.BigEndian.Uint32(data[pos:])
		e.Size = binary.BigEndian.Uint32(data[pos+4:])
		e.MetadataSize = binary.BigEndian.Uint32(data[pos+8:])
		copy(e.Encoding[:], data[pos+12:pos+14])
		nameSize := int(binary.BigEndian.Uint16(data[pos+14:]))
		pos += EntryHeaderLength

		if len(data)-pos < nameSize {
			return nil, fmt.Errorf("%w: name of entry %d reads past the index", ErrFormat, i)
		}
		e.Name = string(data[pos : pos+nameSize])
		pos += nameSize

		if !e.Encoding.Valid() {
			return nil, fmt.Errorf("%w: entry %q has unknown encoding %q", ErrFormat, e.Name, e.Encoding.String())
		}
		if e.Offset < HeaderLength || e.End() > int64(indexOffset) {
			return nil, fmt.Errorf("%w: content of entry %q lies outside the content region", ErrFormat, e.Name)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func discardLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}
