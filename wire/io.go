package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// initialReadBuffer is how much a reader preallocates before any frame
// bytes have actually arrived.
const initialReadBuffer = 8 * 1024

// FrameReader reads u32 little-endian length-prefixed frames from a stream
type FrameReader struct {
	reader      io.Reader
	maxFrameLen uint32
}

// NewFrameReader creates a FrameReader enforcing maxFrameLen
func NewFrameReader(r io.Reader, maxFrameLen uint32) *FrameReader {
	return &FrameReader{reader: r, maxFrameLen: maxFrameLen}
}

// SetMaxFrameLen switches the enforced ceiling, typically from the
// pre-handshake limit to the negotiated one.
func (fr *FrameReader) SetMaxFrameLen(n uint32) {
	fr.maxFrameLen = n
}

// MaxFrameLen returns the enforced ceiling.
func (fr *FrameReader) MaxFrameLen() uint32 {
	return fr.maxFrameLen
}

// ReadRaw reads one frame's bytes without decoding them. io.EOF is returned
// untouched when the stream ends cleanly between frames.
func (fr *FrameReader) ReadRaw() ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > fr.maxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds max_frame_len %d", ErrFrameTooLarge, length, fr.maxFrameLen)
	}

	// Grow with the bytes that actually arrive rather than trusting the
	// prefix for the whole allocation.
	var buf bytes.Buffer
	buf.Grow(int(min(length, initialReadBuffer)))
	if _, err := io.CopyN(&buf, fr.reader, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFrame reads and decodes a single frame
func (fr *FrameReader) ReadFrame() (*WireFrame, error) {
	data, err := fr.ReadRaw()
	if err != nil {
		return nil, err
	}
	return DecodeFrame(data)
}

// FrameWriter writes u32 little-endian length-prefixed frames to a stream
type FrameWriter struct {
	writer      io.Writer
	maxFrameLen uint32
}

// NewFrameWriter creates a FrameWriter enforcing maxFrameLen
func NewFrameWriter(w io.Writer, maxFrameLen uint32) *FrameWriter {
	return &FrameWriter{writer: w, maxFrameLen: maxFrameLen}
}

// SetMaxFrameLen switches the enforced ceiling.
func (fw *FrameWriter) SetMaxFrameLen(n uint32) {
	fw.maxFrameLen = n
}

// WriteRaw writes prefix and body in a single Write call.
func (fw *FrameWriter) WriteRaw(data []byte) error {
	framed, err := Frame(data, fw.maxFrameLen)
	if err != nil {
		return err
	}
	_, err = fw.writer.Write(framed)
	return err
}

// WriteFrame encodes and writes a single frame
func (fw *FrameWriter) WriteFrame(f *WireFrame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return fw.WriteRaw(data)
}

// Frame prepends the length prefix to an encoded frame, refusing bodies
// above maxFrameLen.
func Frame(data []byte, maxFrameLen uint32) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(len(data)) > uint64(maxFrameLen) {
		return nil, fmt.Errorf("%w: encoded frame of %d bytes exceeds max_frame_len %d", ErrFrameTooLarge, len(data), maxFrameLen)
	}
	out := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:], data)
	return out, nil
}
