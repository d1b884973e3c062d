package filedrop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framed transfers look like:
//
//	"FDRP" | version (1) | payload length (8, BE) | payload | xxhash64 (8, BE)
var frameMagic = [4]byte{'F', 'D', 'R', 'P'}

const (
	frameVersion = 1
	headerSize   = 13
	trailerSize  = 8
)

var (
	ErrTruncated = errors.New("transfer truncated")
	ErrChecksum  = errors.New("checksum mismatch")
	ErrBadFrame  = errors.New("bad frame header")
)

func writeHeader(w io.Writer, length uint64) error {
	hdr := make([]byte, headerSize)
	copy(hdr[:4], frameMagic[:])
	hdr[4] = frameVersion
	binary.BigEndian.PutUint64(hdr[5:], length)
	_, err := w.Write(hdr)
	return err
}

func readHeader(r io.Reader) (uint64, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, fmt.Errorf("%w: reading header: %v", ErrTruncated, err)
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] || hdr[2] != frameMagic[2] || hdr[3] != frameMagic[3] {
		return 0, fmt.Errorf("%w: magic %x", ErrBadFrame, hdr[:4])
	}
	if hdr[4] != frameVersion {
		return 0, fmt.Errorf("%w: version %d", ErrBadFrame, hdr[4])
	}
	return binary.BigEndian.Uint64(hdr[5:]), nil
}

func writeTrailer(w io.Writer, sum uint64) error {
	buf := make([]byte, trailerSize)
	binary.BigEndian.PutUint64(buf, sum)
	_, err := w.Write(buf)
	return err
}

func readTrailer(r io.Reader) (uint64, error) {
	buf := make([]byte, trailerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("%w: reading checksum: %v", ErrTruncated, err)
	}
	return binary.BigEndian.Uint64(buf), nil
}
