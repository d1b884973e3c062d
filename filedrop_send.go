package filedrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"filedrop/lib"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash"
	"github.com/sirupsen/logrus"
)

const retryDelay = 100 * time.Millisecond

type Receipt struct {
	Bytes    int64
	Checksum string
}

// Send connects to the configured server and streams the file at path over
// the connection, closing it once the file is exhausted.
func Send(ctx context.Context, conf lib.Config, path string) (Receipt, error) {
	if err := conf.Validate(true); err != nil {
		return Receipt{}, err
	}
	conn, err := dial(ctx, conf)
	if err != nil {
		return Receipt{}, fmt.Errorf("connection to server failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	lib.TuneConn(conn, conf.TOS)
	f, err := os.Open(path)
	if err != nil {
		return Receipt{}, fmt.Errorf("file not found: %w", err)
	}
	defer func() { _ = f.Close() }()
	log := lib.Logger.WithFields(logrus.Fields{"remote": conn.RemoteAddr().String(), "path": path})
	log.Info("connected to server, sending file")
	rw := lib.IdleDeadline(conn, conf.IdleTimeout)
	d := xxhash.New()
	var src io.Reader = f
	var size int64
	if conf.Framed {
		info, err := f.Stat()
		if err != nil {
			return Receipt{}, err
		}
		if !info.Mode().IsRegular() {
			return Receipt{}, fmt.Errorf("%s is not a regular file, use raw mode", path)
		}
		size = info.Size()
		if err := writeHeader(rw, uint64(size)); err != nil {
			return Receipt{}, fmt.Errorf("send header: %w", err)
		}
		src = io.LimitReader(f, size)
	}
	n, err := sendChunks(io.MultiWriter(rw, d), src, make([]byte, conf.BufferSize))
	if err != nil {
		return Receipt{n, lib.FormatChecksum(d.Sum64())}, err
	}
	if conf.Framed {
		if n != size {
			return Receipt{n, lib.FormatChecksum(d.Sum64())}, fmt.Errorf("%s changed while sending: sent %d of %d bytes", path, n, size)
		}
		if err := writeTrailer(rw, d.Sum64()); err != nil {
			return Receipt{n, lib.FormatChecksum(d.Sum64())}, fmt.Errorf("send checksum: %w", err)
		}
	}
	receipt := Receipt{n, lib.FormatChecksum(d.Sum64())}
	if err := conn.Close(); err != nil {
		return receipt, err
	}
	log.WithFields(logrus.Fields{"bytes": receipt.Bytes, "checksum": receipt.Checksum}).Infof("file sent successfully, %s", lib.FormatBytes(receipt.Bytes))
	return receipt, nil
}

// sendChunks moves r to w one buffer at a time. Every chunk read is written
// exactly once and the loop ends only when r reports EOF.
func sendChunks(w io.Writer, r io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("send: %w", werr)
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read: %w", err)
		}
	}
}

func dial(ctx context.Context, conf lib.Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: conf.IdleTimeout}
	var conn net.Conn
	err := retry.Do(
		func() error {
			c, err := dialer.DialContext(ctx, "tcp4", conf.ServerAddr())
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(uint(conf.DialRetries+1)),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			lib.Logger.WithError(err).Warnf("dial attempt %d failed", n+1)
		}),
	)
	return conn, err
}
