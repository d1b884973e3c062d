package filedrop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"filedrop/lib"

	"github.com/julienschmidt/httprouter"
)

const janitorInterval = 5 * time.Second

func (s *Server) Handler() http.Handler {
	return &lib.LoggingHandler{Handler: s.router()}
}

func (s *Server) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/health", s.health)
	router.GET("/transfers", s.listTransfers)
	router.PanicHandler = panicHandler
	return router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	_, _ = fmt.Fprintf(w, "healthy\n")
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	transfers := s.Transfers()
	if transfers == nil {
		transfers = []Transfer{}
	}
	bytes, err := json.Marshal(transfers)
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(bytes)
}

func panicHandler(w http.ResponseWriter, r *http.Request, err interface{}) {
	lib.Logger.Errorf("panic serving %s: %v", r.URL.Path, err)
	w.WriteHeader(500)
	_, _ = fmt.Fprintf(w, "%s\n", err)
}

func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Server) expire() {
	s.expireTransfers()
	s.expireTempfiles()
}

func (s *Server) expireTransfers() {
	for k, v := range s.transfers.Items() {
		t := v.(Transfer)
		if t.State != StateReceiving && s.now().Sub(t.Finished) > s.conf.MaxAge {
			lib.Logger.WithField("id", k).Debug("gc expired transfer")
			s.transfers.Remove(k)
		}
	}
}

func (s *Server) expireTempfiles() {
	active := make(map[string]bool)
	for _, v := range s.transfers.Items() {
		t := v.(Transfer)
		if t.State == StateReceiving {
			active[t.tempPath] = true
		}
	}
	dir := filepath.Join(s.conf.Dir, lib.TempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		lib.Logger.WithError(err).Warn("gc tempfiles")
		return
	}
	for _, entry := range entries {
		pth, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil || active[pth] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) > s.conf.MaxAge {
			lib.Logger.WithField("path", pth).Info("gc expired tempfile")
			if err := s.recoverTempfile(pth); err != nil {
				lib.Logger.WithError(err).Warn("gc tempfiles")
			}
		}
	}
}
