package lib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	l.Level = logrus.InfoLevel
	return l
}

func SetVerbose(verbose bool) {
	if verbose {
		Logger.SetLevel(logrus.DebugLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}

const (
	TimestampLayout = "20060102_150405"
	OutputExt       = ".hex"
	TempDir         = "_tempfiles"
	maxReserve      = 10000
)

func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// ReserveOutput creates an empty file named after ts in dir and returns its
// path. Names already taken get a _1, _2, ... suffix.
func ReserveOutput(dir string, ts string) (string, error) {
	for i := 0; i < maxReserve; i++ {
		name := ts + OutputExt
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", ts, i, OutputExt)
		}
		pth := filepath.Join(dir, name)
		f, err := os.OpenFile(pth, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return pth, f.Close()
	}
	return "", fmt.Errorf("no free output name for %s in %s", ts, dir)
}

// NewTempPath picks a temp path under dir for the output file named output.
// OutputForTemp recovers output from the temp path.
func NewTempPath(dir string, output string) (string, error) {
	for i := 0; i < 5; i++ {
		uid := uuid.NewV4().String()
		tempPath, err := filepath.Abs(filepath.Join(dir, TempDir, output+"."+uid))
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(tempPath); os.IsNotExist(err) {
			return tempPath, nil
		}
	}
	return "", fmt.Errorf("failed to pick a temp path in %s", dir)
}

func OutputForTemp(tempPath string) (string, bool) {
	name := filepath.Base(tempPath)
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return "", false
	}
	if _, err := uuid.FromString(name[i+1:]); err != nil {
		return "", false
	}
	output := name[:i]
	if !strings.HasSuffix(output, OutputExt) {
		return "", false
	}
	return output, true
}

func FormatChecksum(sum uint64) string {
	return fmt.Sprintf("%x", sum)
}

func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	d := xxhash.New()
	if _, err := io.Copy(d, f); err != nil {
		return "", err
	}
	return FormatChecksum(d.Sum64()), nil
}

func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div := int64(unit)
	exp := 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RWCallback calls Cb after every Read, Write and Close on Rw.
type RWCallback struct {
	Rw io.ReadWriteCloser
	Cb func()
}

func (rwc RWCallback) Read(p []byte) (n int, err error) {
	defer rwc.Cb()
	return rwc.Rw.Read(p)
}

func (rwc RWCallback) Write(p []byte) (n int, err error) {
	defer rwc.Cb()
	return rwc.Rw.Write(p)
}

func (rwc RWCallback) Close() error {
	defer rwc.Cb()
	return rwc.Rw.Close()
}

// IdleDeadline pushes the deadline of conn forward by timeout after every
// operation, so a transfer fails only when the peer goes quiet.
func IdleDeadline(conn net.Conn, timeout time.Duration) io.ReadWriteCloser {
	if timeout <= 0 {
		return conn
	}
	extend := func() { _ = conn.SetDeadline(time.Now().Add(timeout)) }
	extend()
	return RWCallback{Rw: conn, Cb: extend}
}

func TuneConn(conn net.Conn, tos int) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if tos <= 0 {
		return
	}
	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		Logger.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("set tos")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

type LoggingHandler struct {
	Handler http.Handler
}

func (l *LoggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: 200}
	l.Handler.ServeHTTP(sw, r)
	Logger.WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"status":   sw.status,
		"remote":   r.RemoteAddr,
		"duration": time.Since(start).String(),
	}).Debug("http")
}
