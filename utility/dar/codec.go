// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dar

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Encoding is the 2 byte tag identifying how an entry's content is stored.
type Encoding [2]byte

// Known encodings. Compressed encodings store the compressed stream
// followed by a 4 byte big-endian trailer with the original size.
var (
	EncodingPlain = Encoding{'-', '-'}
	EncodingZlib  = Encoding{'z', 'l'}
	EncodingLZ4   = Encoding{'l', '4'}
	EncodingZstd  = Encoding{'z', 's'}
)

// DefaultCompression selects the compressor's own default level.
const DefaultCompression = -1

var errFinalized = errors.New("encoder already finalized")

type codec struct {
	name      string
	newWriter func(w io.Writer, level int) (io.WriteCloser, error)
	newReader func(r io.Reader) (io.ReadCloser, error)
	// exact decoders stop reading at the end of their stream, so bytes
	// left over before the trailer can be detected.
	exact bool
}

var codecs = map[Encoding]codec{
	EncodingPlain: {name: "plain"},
	EncodingZlib: {
		name: "zlib",
		newWriter: func(w io.Writer, level int) (io.WriteCloser, error) {
			return zlib.NewWriterLevel(w, level)
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return zlib.NewReader(r)
		},
		exact: true,
	},
	EncodingLZ4: {
		name: "lz4",
		newWriter: func(w io.Writer, level int) (io.WriteCloser, error) {
			zw := lz4.NewWriter(w)
			if level > 0 {
				zw.Header.CompressionLevel = level
			}
			return zw, nil
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(lz4.NewReader(r)), nil
		},
		exact: true,
	},
	EncodingZstd: {
		name: "zstd",
		newWriter: func(w io.Writer, level int) (io.WriteCloser, error) {
			opts := []zstd.EOption{zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true)}
			if level != DefaultCompression {
				opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
			}
			return zstd.NewWriter(w, opts...)
		},
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	},
}

// ParseEncoding accepts either the tag itself ("zl") or the codec name ("zlib").
// "deflate" is an alias of zlib and "none" of plain.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "deflate":
		return EncodingZlib, nil
	case "none", "identity":
		return EncodingPlain, nil
	}
	for enc, c := range codecs {
		if s == string(enc[:]) || strings.EqualFold(s, c.name) {
			return enc, nil
		}
	}
	return Encoding{}, fmt.Errorf("unknown encoding %q", s)
}

// Valid reports whether the tag names a known codec.
func (e Encoding) Valid() bool {
	_, ok := codecs[e]
	return ok
}

// Compressed reports whether content is stored with a size trailer.
func (e Encoding) Compressed() bool {
	return codecs[e].newWriter != nil
}

// Name returns the human readable codec name.
func (e Encoding) Name() string {
	if c, ok := codecs[e]; ok {
		return c.name
	}
	return "unknown"
}

func (e Encoding) String() string {
	return string(e[:])
}

// Encoder transforms one file's content for storage. A fresh Encoder is
// needed for every file.
//
// Encode is called with every non-empty chunk of input, and then exactly
// once with an empty chunk to finalize. Every returned slice must be
// appended to the archive, in order. The returned slice is only valid
// until the next call.
type Encoder interface {
	Encoding() Encoding
	Encode(chunk []byte) ([]byte, error)
}

// NewEncoder creates an encoder for one file.
func (e Encoding) NewEncoder(level int) (Encoder, error) {
	c, ok := codecs[e]
	if !ok {
		return nil, fmt.Errorf("unknown encoding %q", e.String())
	}
	if c.newWriter == nil {
		return &plainEncoder{}, nil
	}
	ce := &compressingEncoder{enc: e}
	w, err := c.newWriter(&ce.buf, level)
	if err != nil {
		return nil, fmt.Errorf("create %s encoder: %w", c.name, err)
	}
	ce.w = w
	return ce, nil
}

type plainEncoder struct {
	done bool
}

func (p *plainEncoder) Encoding() Encoding { return EncodingPlain }

func (p *plainEncoder) Encode(chunk []byte) ([]byte, error) {
	if p.done {
		return nil, errFinalized
	}
	if len(chunk) == 0 {
		p.done = true
		return nil, nil
	}
	return chunk, nil
}

// compressingEncoder drains the compressor's output after every chunk,
// so at most one chunk plus compressor state is held in memory.
type compressingEncoder struct {
	enc  Encoding
	buf  bytes.Buffer
	out  []byte
	w    io.WriteCloser
	n    uint64
	done bool
}

func (c *compressingEncoder) Encoding() Encoding { return c.enc }

func (c *compressingEncoder) Encode(chunk []byte) ([]byte, error) {
	if c.done {
		return nil, errFinalized
	}
	if len(chunk) == 0 {
		c.done = true
		if err := c.w.Close(); err != nil {
			return nil, fmt.Errorf("finalize %s stream: %w", c.enc.Name(), err)
		}
		return binary.BigEndian.AppendUint32(c.drain(), uint32(c.n)), nil
	}

	if c.n+uint64(len(chunk)) > math.MaxUint32 {
		return nil, ErrSizeOverflow
	}
	if _, err := c.w.Write(chunk); err != nil {
		return nil, fmt.Errorf("%s compression: %w", c.enc.Name(), err)
	}
	c.n += uint64(len(chunk))
	return c.drain(), nil
}

func (c *compressingEncoder) drain() []byte {
	c.out = append(c.out[:0], c.buf.Bytes()...)
	c.buf.Reset()
	return c.out
}

// NewDecoder returns a reader yielding the decoded content of payload
// together with the decoded size. The reader fails with ErrCorrupt when
// the content doesn't decode to exactly that many bytes.
func (e Encoding) NewDecoder(payload *io.SectionReader) (io.ReadCloser, int64, error) {
	c, ok := codecs[e]
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown encoding %q", ErrFormat, e.String())
	}
	if c.newReader == nil {
		return &checkedReader{rc: io.NopCloser(payload), expected: payload.Size()}, payload.Size(), nil
	}

	expected, err := readTrailer(payload)
	if err != nil {
		return nil, 0, err
	}
	streamSize := payload.Size() - TrailerLength
	stream := &countingReader{r: bufio.NewReader(io.NewSectionReader(payload, 0, streamSize))}
	rc, err := c.newReader(stream)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s stream: %w", ErrCorrupt, c.name, err)
	}
	cr := &checkedReader{rc: rc, expected: expected}
	if c.exact {
		cr.stream, cr.streamSize = stream, streamSize
	}
	return cr, expected, nil
}

// Decode decodes a whole payload held in memory.
func (e Encoding) Decode(payload []byte) ([]byte, error) {
	rc, size, err := e.NewDecoder(io.NewSectionReader(bytes.NewReader(payload), 0, int64(len(payload))))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readSized(rc, size)
}

func readTrailer(payload *io.SectionReader) (int64, error) {
	if payload.Size() < TrailerLength {
		return 0, fmt.Errorf("%w: %d bytes is too short for a size trailer", ErrCorrupt, payload.Size())
	}
	var trailer [TrailerLength]byte
	if _, err := payload.ReadAt(trailer[:], payload.Size()-TrailerLength); err != nil {
		return 0, fmt.Errorf("read size trailer: %w", err)
	}
	return int64(binary.BigEndian.Uint32(trailer[:])), nil
}

// maxPrealloc bounds the buffer allocated up front from an untrusted size.
const maxPrealloc = 64 << 20

func readSized(r io.Reader, size int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(min(size, maxPrealloc)))
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// countingReader counts the bytes a decompressor took from its stream.
// It's a ByteReader so flate doesn't buffer past the end of the stream.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

type checkedReader struct {
	rc       io.ReadCloser
	expected int64
	n        int64

	// stream is set when the whole stream must be consumed by the decoder
	stream     *countingReader
	streamSize int64
}

func (r *checkedReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.n += int64(n)
	if r.n > r.expected {
		return n, fmt.Errorf("%w: decoded more than %d bytes", ErrCorrupt, r.expected)
	}
	switch {
	case err == io.EOF && r.n != r.expected:
		return n, fmt.Errorf("%w: decoded %d bytes, expected %d", ErrCorrupt, r.n, r.expected)
	case err == io.EOF && r.stream != nil && r.stream.n != r.streamSize:
		return n, fmt.Errorf("%w: %d stray bytes after the compressed stream", ErrCorrupt, r.streamSize-r.stream.n)
	case err != nil && err != io.EOF:
		return n, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return n, err
}

func (r *checkedReader) Close() error {
	return r.rc.Close()
}
