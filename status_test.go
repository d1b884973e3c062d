package filedrop

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filedrop/lib"

	"github.com/julienschmidt/httprouter"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, "healthy\n", w.Body.String())
}

func TestListTransfers(t *testing.T) {
	s, conf := startServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/transfers", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, "[]", w.Body.String())

	src, _ := writeInput(t, 1500)
	receipt, err := Send(context.Background(), conf, src)
	require.NoError(t, err)
	waitFinished(t, s, 1)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/transfers", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var transfers []Transfer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transfers))
	require.Len(t, transfers, 1)
	require.Equal(t, StateDone, transfers[0].State)
	require.Equal(t, int64(1500), transfers[0].Bytes)
	require.Equal(t, receipt.Checksum, transfers[0].Checksum)
}

func TestListenAndServeStatusPort(t *testing.T) {
	httpPort, err := freeport.GetFreePort()
	require.NoError(t, err)
	s, conf := newTestServer(t, func(c *lib.Config) { c.HTTPPort = httpPort })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()
	url := fmt.Sprintf("http://127.0.0.1:%d/health", httpPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := ioutil.ReadAll(resp.Body)
		return resp.StatusCode == 200 && string(body) == "healthy\n"
	}, 5*time.Second, 10*time.Millisecond)

	src, data := writeInput(t, 2048)
	_, err = Send(context.Background(), conf, src)
	require.NoError(t, err)
	transfers := waitFinished(t, s, 1)
	got, err := ioutil.ReadFile(transfers[0].Path)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestListenAndServeBindFailure(t *testing.T) {
	_, conf := startServer(t, nil)
	other, err := NewServer(conf)
	require.NoError(t, err)
	err = other.ListenAndServe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "binding failed")
}

func TestExpire(t *testing.T) {
	s, conf := newTestServer(t, func(c *lib.Config) { c.MaxAge = time.Minute })
	now := time.Now()
	s.now = func() time.Time { return now }
	tempdir := filepath.Join(conf.Dir, lib.TempDir)

	var temps, outputs []string
	for i := 0; i < 3; i++ {
		out, err := lib.ReserveOutput(conf.Dir, lib.Timestamp(now))
		require.NoError(t, err)
		pth, err := lib.NewTempPath(conf.Dir, filepath.Base(out))
		require.NoError(t, err)
		require.NoError(t, ioutil.WriteFile(pth, []byte("x"), 0o644))
		temps = append(temps, pth)
		outputs = append(outputs, out)
	}
	stale, active, fresh := temps[0], temps[1], temps[2]
	old := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(active, old, old))

	s.transfers.Set("old", Transfer{ID: "old", State: StateDone, Finished: old})
	s.transfers.Set("failed", Transfer{ID: "failed", State: StateFailed, Finished: old})
	s.transfers.Set("recent", Transfer{ID: "recent", State: StateDone, Finished: now})
	s.transfers.Set("running", Transfer{ID: "running", State: StateReceiving, Started: old, tempPath: active})

	s.expire()

	var ids []string
	for _, tr := range s.Transfers() {
		ids = append(ids, tr.ID)
	}
	require.ElementsMatch(t, []string{"recent", "running"}, ids)
	entries, err := os.ReadDir(tempdir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	require.ElementsMatch(t, []string{filepath.Base(active), filepath.Base(fresh)}, names)
	got, err := ioutil.ReadFile(outputs[0])
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
	for _, out := range outputs[1:] {
		info, err := os.Stat(out)
		require.NoError(t, err)
		require.Equal(t, int64(0), info.Size())
	}
}

func TestPanicHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	router := s.router()
	router.GET("/boom", func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		panic("boom")
	})
	w := httptest.NewRecorder()
	h := &lib.LoggingHandler{Handler: router}
	h.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	require.Equal(t, 500, w.Code)
	require.Equal(t, "boom\n", w.Body.String())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, w.Code)
}

// leftover simulates a run that died mid-transfer: a reserved empty output
// plus a temp file holding the bytes received so far.
func leftover(t *testing.T, dir string, data string) (string, string) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, lib.TempDir), os.ModePerm))
	out, err := lib.ReserveOutput(dir, lib.Timestamp(time.Now()))
	require.NoError(t, err)
	tmp, err := lib.NewTempPath(dir, filepath.Base(out))
	require.NoError(t, err)
	require.NoError(t, ioutil.WriteFile(tmp, []byte(data), 0o644))
	return out, tmp
}

func TestRecoverTempfilesRaw(t *testing.T) {
	dir := t.TempDir()
	out, tmp := leftover(t, dir, "partial")
	junk := filepath.Join(dir, lib.TempDir, "junk")
	require.NoError(t, ioutil.WriteFile(junk, []byte("?"), 0o644))

	conf := lib.DefaultConfig()
	conf.Dir = dir
	_, err := NewServer(conf)
	require.NoError(t, err)

	got, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "partial", string(got))
	require.NoFileExists(t, tmp)
	require.NoFileExists(t, junk)
	entries, err := os.ReadDir(filepath.Join(dir, lib.TempDir))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRecoverTempfilesFramed(t *testing.T) {
	dir := t.TempDir()
	out, tmp := leftover(t, dir, "partial")

	conf := lib.DefaultConfig()
	conf.Dir = dir
	conf.Framed = true
	_, err := NewServer(conf)
	require.NoError(t, err)

	require.NoFileExists(t, out)
	require.NoFileExists(t, tmp)
}
