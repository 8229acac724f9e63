// Package compress holds the payload codecs a connection can negotiate.
// The rpc layer only picks an algorithm by name and calls into this
// registry.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/machinefabric/shardrpc-go/wire"
)

var (
	ErrTooLarge    = errors.New("compress: decompressed payload exceeds limit")
	ErrUnsupported = errors.New("compress: unsupported algorithm")
)

// Codec compresses and decompresses whole payloads.
type Codec interface {
	Algo() wire.CompressionAlgo
	Compress(src []byte) ([]byte, error)
	// Decompress fails with ErrTooLarge once output would exceed limit.
	Decompress(src []byte, limit int) ([]byte, error)
}

var registry = map[wire.CompressionAlgo]Codec{
	wire.CompressionNone: noneCodec{},
	wire.CompressionZstd: &zstdCodec{},
	wire.CompressionGzip: gzipCodec{},
}

// preference is best-first.
var preference = []wire.CompressionAlgo{
	wire.CompressionZstd,
	wire.CompressionGzip,
	wire.CompressionNone,
}

// Lookup returns the codec for algo.
func Lookup(algo wire.CompressionAlgo) (Codec, bool) {
	c, ok := registry[algo]
	return c, ok
}

// IsSupported reports whether a codec exists for algo.
func IsSupported(algo wire.CompressionAlgo) bool {
	_, ok := registry[algo]
	return ok
}

// Supported returns every available algorithm, best first.
func Supported() []wire.CompressionAlgo {
	return append([]wire.CompressionAlgo(nil), preference...)
}

// Compress runs the codec registered for algo.
func Compress(algo wire.CompressionAlgo, src []byte) ([]byte, error) {
	c, ok := Lookup(algo)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, algo)
	}
	return c.Compress(src)
}

// Decompress runs the codec registered for algo, bounded by limit.
func Decompress(algo wire.CompressionAlgo, src []byte, limit int) ([]byte, error) {
	c, ok := Lookup(algo)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, algo)
	}
	return c.Decompress(src, limit)
}

type noneCodec struct{}

func (noneCodec) Algo() wire.CompressionAlgo { return wire.CompressionNone }

func (noneCodec) Compress(src []byte) ([]byte, error) {
	return src, nil
}

func (noneCodec) Decompress(src []byte, limit int) ([]byte, error) {
	if len(src) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(src), limit)
	}
	return src, nil
}

type zstdCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	err     error
}

func (*zstdCodec) Algo() wire.CompressionAlgo { return wire.CompressionZstd }

func (z *zstdCodec) Compress(src []byte) ([]byte, error) {
	// EncodeAll is safe for concurrent use on a shared encoder.
	z.once.Do(func() {
		z.encoder, z.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if z.err != nil {
		return nil, fmt.Errorf("compress: zstd encoder: %w", z.err)
	}
	return z.encoder.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

// Decompress bounds both the frame's declared window and the decoded size
// by limit, so a header cannot make the decoder allocate beyond it.
func (*zstdCodec) Decompress(src []byte, limit int) ([]byte, error) {
	if limit < 1 {
		limit = 1
	}
	window := min(max(uint64(limit), zstd.MinWindowSize), zstd.MaxWindowSize)
	dec, err := zstd.NewReader(bytes.NewReader(src),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(uint64(limit)),
		zstd.WithDecoderMaxWindow(window),
	)
	if err != nil {
		return nil, zstdError(err, limit)
	}
	defer dec.Close()
	out, err := readLimited(dec, limit)
	if err != nil {
		return nil, zstdError(err, limit)
	}
	return out, nil
}

func zstdError(err error, limit int) error {
	switch {
	case errors.Is(err, ErrTooLarge):
		return err
	case errors.Is(err, zstd.ErrWindowSizeExceeded), errors.Is(err, zstd.ErrDecoderSizeExceeded):
		return fmt.Errorf("%w: limit %d: %v", ErrTooLarge, limit, err)
	default:
		return fmt.Errorf("compress: zstd decoder: %w", err)
	}
}

type gzipCodec struct{}

func (gzipCodec) Algo() wire.CompressionAlgo { return wire.CompressionGzip }

func (gzipCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("compress: gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(src []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("compress: gzip: %w", err)
	}
	defer r.Close()
	return readLimited(r, limit)
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: limit %d", ErrTooLarge, limit)
	}
	return out, nil
}
