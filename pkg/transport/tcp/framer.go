package tcp

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/omnistreams/pkg/util/logutil"
)

const (
	_fixedHeaderLen = 5                       // frame length + magic code
	_minFrameLen    = _fixedHeaderLen - 4 + 4 // magic code + checksum

	// DefaultMaxFrameLen is the default upper bound of a frame, excluding the frame length field
	DefaultMaxFrameLen = 16 * 1024 * 1024

	_magicCode uint8 = 23
)

var (
	// ErrFrameTooSmall is returned when a frame length is below the minimum
	ErrFrameTooSmall = errors.New("frame too small")
	// ErrFrameTooLarge is returned when a frame length exceeds the maximum
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMagicMismatch is returned when a frame does not start with the magic code
	ErrMagicMismatch = errors.New("magic code mismatch")
	// ErrChecksumMismatch is returned when a payload does not match its checksum
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
)

// Framer reads and writes framed messages.
//
//	+-----------------------------------------------------------------------+
//	|                           Frame Length (32)                           |
//	+-----------------+-----------------------------------------------------+
//	|  Magic Code (8) |                  Payload (0...)                   ...
//	+-----------------+-----------------------------------------------------+
//	|                         Payload Checksum (32)                         |
//	+-----------------------------------------------------------------------+
//
// Frame Length counts every byte after itself.
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [_fixedHeaderLen]byte

	w io.Writer

	maxFrameLen uint32
	lg          *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, maxFrameLen uint32, logger *zap.Logger) *Framer {
	if maxFrameLen == 0 {
		maxFrameLen = DefaultMaxFrameLen
	}
	return &Framer{
		w:           w,
		r:           r,
		maxFrameLen: maxFrameLen,
		lg:          logutil.OrNop(logger),
	}
}

// ReadFrame reads a single frame and returns its payload
func (fr *Framer) ReadFrame() ([]byte, error) {
	logger := fr.lg

	buf := fr.fixedBuf[:_fixedHeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, errors.Wrap(err, "read fixed header")
	}

	frameLen := binary.BigEndian.Uint32(buf[:4])
	if frameLen < _minFrameLen {
		logger.Error("illegal frame length, fewer than minimum", zap.Uint32("frame-length", frameLen), zap.Uint32("min-length", _minFrameLen))
		return nil, ErrFrameTooSmall
	}
	if frameLen > fr.maxFrameLen {
		logger.Error("illegal frame length, greater than maximum", zap.Uint32("frame-length", frameLen), zap.Uint32("max-length", fr.maxFrameLen))
		return nil, ErrFrameTooLarge
	}

	magicCode := buf[4]
	if magicCode != _magicCode {
		logger.Error("illegal magic code", zap.Uint8("expected", _magicCode), zap.Uint8("got", magicCode))
		return nil, ErrMagicMismatch
	}

	// the payload is handed over to the multiplexer, so it is not taken from the pool
	payload := make([]byte, frameLen-_minFrameLen)
	if _, err = io.ReadFull(fr.r, payload); err != nil {
		return nil, errors.Wrap(err, "read payload")
	}

	var checksum uint32
	if err = binary.Read(fr.r, binary.BigEndian, &checksum); err != nil {
		return nil, errors.Wrap(err, "read payload checksum")
	}
	if ckm := crc32.ChecksumIEEE(payload); ckm != checksum {
		logger.Error("payload checksum mismatch", zap.Uint32("expected", ckm), zap.Uint32("got", checksum))
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility to not call other Write methods concurrently.
func (fr *Framer) WriteFrame(payload []byte) error {
	logger := fr.lg

	length := _minFrameLen + len(payload)
	if length > int(fr.maxFrameLen) {
		logger.Error("frame too large, greater than maximum", zap.Int("frame-length", length), zap.Uint32("max-length", fr.maxFrameLen))
		return ErrFrameTooLarge
	}

	wbuf := mcache.Malloc(0, 4+length)
	defer mcache.Free(wbuf)
	wbuf = binary.BigEndian.AppendUint32(wbuf, uint32(length))
	wbuf = append(wbuf, _magicCode)
	wbuf = append(wbuf, payload...)
	wbuf = binary.BigEndian.AppendUint32(wbuf, crc32.ChecksumIEEE(payload))

	if _, err := fr.w.Write(wbuf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}
