package filedrop

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"filedrop/lib"

	"github.com/cespare/xxhash"
)

// receive drains r into tempPath and moves it over the reserved path. In raw
// mode whatever arrived is kept even when the stream broke; in framed mode a
// failed transfer leaves nothing behind.
func (s *Server) receive(r io.Reader, tempPath string, path string) (int64, string, error) {
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return 0, "", err
	}
	d := xxhash.New()
	w := io.MultiWriter(f, d)
	var n int64
	if s.conf.Framed {
		n, err = s.receiveFramed(r, w, d)
	} else {
		n, err = s.receiveRaw(r, w)
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	sum := lib.FormatChecksum(d.Sum64())
	if err != nil && s.conf.Framed {
		_ = os.Remove(tempPath)
		_ = os.Remove(path)
		return n, sum, err
	}
	if renameErr := os.Rename(tempPath, path); renameErr != nil {
		_ = os.Remove(tempPath)
		if err == nil {
			err = renameErr
		}
	}
	return n, sum, err
}

func (s *Server) receiveRaw(r io.Reader, w io.Writer) (int64, error) {
	buf := make([]byte, s.conf.BufferSize)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write output: %w", werr)
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("%w after %d bytes: %v", ErrTruncated, total, err)
		}
	}
}

func (s *Server) receiveFramed(r io.Reader, w io.Writer, d hash.Hash64) (int64, error) {
	length, err := readHeader(r)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, s.conf.BufferSize)
	var total int64
	for uint64(total) < length {
		want := uint64(len(buf))
		if rem := length - uint64(total); rem < want {
			want = rem
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write output: %w", werr)
			}
			total += int64(n)
		}
		if err != nil && uint64(total) < length {
			return total, fmt.Errorf("%w: got %d of %d bytes: %v", ErrTruncated, total, length, err)
		}
	}
	sum, err := readTrailer(r)
	if err != nil {
		return total, err
	}
	if sum != d.Sum64() {
		return total, fmt.Errorf("%w: got %s, want %s", ErrChecksum, lib.FormatChecksum(d.Sum64()), lib.FormatChecksum(sum))
	}
	return total, nil
}

// recoverTempfile settles a temp file whose transfer is gone, either from a
// previous run or stalled past MaxAge. Raw mode keeps the partial bytes under
// the reserved output name; framed mode drops both.
func (s *Server) recoverTempfile(tempPath string) error {
	output, ok := lib.OutputForTemp(tempPath)
	if !ok {
		return os.Remove(tempPath)
	}
	path := filepath.Join(s.conf.Dir, output)
	if s.conf.Framed {
		if info, err := os.Stat(path); err == nil && info.Size() == 0 {
			_ = os.Remove(path)
		}
		return os.Remove(tempPath)
	}
	return os.Rename(tempPath, path)
}

func (s *Server) recoverTempfiles() {
	dir := filepath.Join(s.conf.Dir, lib.TempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		lib.Logger.WithError(err).Warn("recover tempfiles")
		return
	}
	for _, entry := range entries {
		pth := filepath.Join(dir, entry.Name())
		lib.Logger.WithField("path", pth).Info("recovering tempfile")
		if err := s.recoverTempfile(pth); err != nil {
			lib.Logger.WithError(err).Warn("recover tempfiles")
		}
	}
}
