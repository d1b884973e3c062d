package filedrop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"filedrop/lib"

	cmap "github.com/orcaman/concurrent-map"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	StateReceiving = "receiving"
	StateDone      = "done"
	StateFailed    = "failed"
)

type Transfer struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Path     string    `json:"path"`
	Bytes    int64     `json:"bytes"`
	Checksum string    `json:"checksum"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	tempPath string
}

type Server struct {
	conf      lib.Config
	pool      *semaphore.Weighted
	transfers cmap.ConcurrentMap
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewServer(conf lib.Config) (*Server, error) {
	if err := conf.Validate(false); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(conf.Dir, lib.TempDir), os.ModePerm); err != nil {
		return nil, err
	}
	s := &Server{
		conf:      conf,
		pool:      semaphore.NewWeighted(int64(conf.Concurrency)),
		transfers: cmap.New(),
		now:       time.Now,
	}
	s.recoverTempfiles()
	return s, nil
}

// ListenAndServe binds the transfer port, and the status port when one is
// configured, then serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	li, err := net.Listen("tcp", s.conf.ListenAddr())
	if err != nil {
		return fmt.Errorf("binding failed: %w", err)
	}
	if s.conf.HTTPPort > 0 {
		hl, err := net.Listen("tcp", fmt.Sprintf(":%d", s.conf.HTTPPort))
		if err != nil {
			_ = li.Close()
			return fmt.Errorf("binding status port failed: %w", err)
		}
		srv := &http.Server{Handler: s.Handler()}
		go func() {
			if err := srv.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lib.Logger.WithError(err).Error("status server")
			}
		}()
		defer func() { _ = srv.Close() }()
		lib.Logger.WithField("addr", hl.Addr().String()).Info("status endpoint listening")
	}
	return s.Serve(ctx, li)
}

// Serve accepts connections on li until ctx is done or li is closed. Each
// connection is received on its own goroutine once a worker slot is free;
// accept errors are logged and never end the loop.
func (s *Server) Serve(ctx context.Context, li net.Listener) error {
	defer s.wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = li.Close()
	}()
	go s.janitor(ctx)
	lib.Logger.WithField("addr", li.Addr().String()).Info("server is running and waiting for connections")
	var tempDelay time.Duration
	for {
		if err := s.pool.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := li.Accept()
		if err != nil {
			s.pool.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			tempDelay = nextAcceptDelay(tempDelay)
			lib.Logger.WithError(err).Errorf("connection acceptance failed, retrying in %v", tempDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.pool.Release(1)
			s.handle(ctx, conn)
		}()
	}
}

// handle receives one transfer. The connection is closed when the transfer
// ends or when the server stops, whichever comes first.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	t := Transfer{
		ID:      uuid.NewV4().String(),
		Remote:  conn.RemoteAddr().String(),
		State:   StateReceiving,
		Started: s.now(),
	}
	log := lib.Logger.WithFields(logrus.Fields{"id": t.ID, "remote": t.Remote})
	log.Info("connection established with client, receiving file")
	lib.TuneConn(conn, s.conf.TOS)
	path, err := lib.ReserveOutput(s.conf.Dir, lib.Timestamp(t.Started))
	if err != nil {
		log.WithError(err).Error("error creating output file")
		s.finish(t, err)
		return
	}
	t.Path = path
	t.tempPath, err = lib.NewTempPath(s.conf.Dir, filepath.Base(path))
	if err != nil {
		_ = os.Remove(path)
		log.WithError(err).Error("error creating temp file")
		s.finish(t, err)
		return
	}
	s.transfers.Set(t.ID, t)
	t.Bytes, t.Checksum, err = s.receive(lib.IdleDeadline(conn, s.conf.IdleTimeout), t.tempPath, path)
	log = log.WithFields(logrus.Fields{"path": path, "bytes": t.Bytes, "checksum": t.Checksum})
	if err != nil {
		log.WithError(err).Error("file transfer failed")
	} else {
		log.Infof("file received successfully, %s", lib.FormatBytes(t.Bytes))
	}
	s.finish(t, err)
}

func (s *Server) finish(t Transfer, err error) {
	t.Finished = s.now()
	t.State = StateDone
	if err != nil {
		t.State = StateFailed
		t.Error = err.Error()
	}
	s.transfers.Set(t.ID, t)
}

// Transfers returns every tracked transfer ordered by start time.
func (s *Server) Transfers() []Transfer {
	var res []Transfer
	for _, v := range s.transfers.Items() {
		res = append(res, v.(Transfer))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Started.Equal(res[j].Started) {
			return res[i].ID < res[j].ID
		}
		return res[i].Started.Before(res[j].Started)
	})
	return res
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
