package server

import (
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icoconvert/config"
	"icoconvert/store"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func TestHandleHome(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/upload"`)
	assert.Contains(t, rec.Body.String(), `name="file"`)
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSweeper) RunOnce() (store.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return store.SweepResult{}, nil
}

func TestHandleHome_SweepOnHomePage(t *testing.T) {
	sw := &countingSweeper{}
	ts := newTestServer(t, withSweeper(sw), withConfig(func(cfg *config.Config) {
		cfg.Sweep.OnHomePage = true
	}))

	ts.get("/")
	ts.get("/")

	assert.Equal(t, 2, sw.calls)
}

func TestHandleHome_NoSweepByDefault(t *testing.T) {
	sw := &countingSweeper{}
	ts := newTestServer(t, withSweeper(sw))

	ts.get("/")

	assert.Equal(t, 0, sw.calls)
}

func TestUploadGetRedirectsHome(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/upload")

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(uploadRequest(t, "logo.png", pngBytes(t, 512, 512, red)))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "File logo.png uploaded successfully")
	assert.Contains(t, body, "logo.ico")

	pageLinks := links(body)
	require.Len(t, pageLinks, 1)
	assert.True(t, strings.HasPrefix(pageLinks[0], "/page/logo/ico?token="), pageLinks[0])

	rec = ts.get(pageLinks[0])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Your File is Ready!")
	assert.Contains(t, rec.Body.String(), "256&times;256")
	downloadLinks := links(rec.Body.String())
	require.Len(t, downloadLinks, 1)
	assert.True(t, strings.HasPrefix(downloadLinks[0], "/download/logo/ico?token="), downloadLinks[0])

	rec = ts.get(downloadLinks[0])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="logo.ico"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, iconContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, 256, iconEdge(t, rec.Body.Bytes()))

	assert.Equal(t, 1, ts.registry.Len())
}

func TestDownload_Inline(t *testing.T) {
	ts := newTestServer(t)
	_, download := ts.uploadAndFollow(t, "logo.png", pngBytes(t, 32, 32, red))

	rec := ts.get(download + "&inline=1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `inline; filename="logo.ico"`, rec.Header().Get("Content-Disposition"))
}

func TestUpload_StoresOriginalAndIcon(t *testing.T) {
	ts := newTestServer(t)
	page, _ := ts.uploadAndFollow(t, "logo.png", pngBytes(t, 64, 64, red))

	token := page[strings.Index(page, "token=")+len("token="):]
	res, ok := ts.registry.Get(token)
	require.True(t, ok)

	assert.True(t, ts.store.Exists(res.SourcePath))
	assert.True(t, ts.store.Exists(res.OutputPath))
	assert.Equal(t, "logo.png", res.SourceName)
	assert.Equal(t, 64, res.Width)
}

func TestUpload_NotAnImage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(uploadRequest(t, "notes.txt", []byte("these are not pixels")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not an image")
	assert.Equal(t, 0, ts.registry.Len())
}

func TestUpload_MissingFile(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptestPost(t, "/upload", "application/x-www-form-urlencoded", "other=1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No file uploaded")
}

func TestUpload_TooLarge(t *testing.T) {
	ts := newTestServer(t, withConfig(func(cfg *config.Config) {
		cfg.Limits.MaxUploadBytes = 100
	}))

	rec := ts.do(uploadRequest(t, "big.png", make([]byte, 1000)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, ts.registry.Len())
}

func TestUpload_RateLimited(t *testing.T) {
	ts := newTestServer(t, withConfig(func(cfg *config.Config) {
		cfg.Limits.UploadRate = 0.001
		cfg.Limits.UploadBurst = 1
	}))
	data := pngBytes(t, 16, 16, red)

	first := ts.do(uploadRequest(t, "a.png", data))
	second := ts.do(uploadRequest(t, "b.png", data))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestDownload_NothingConverted(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/download/logo/ico",
		"/download/logo/ico?token=",
		"/download/logo/ico?token=00000000-0000-0000-0000-000000000000",
	} {
		rec := ts.get(path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "File not found", rec.Body.String(), path)
	}
}

func TestPage_NothingConverted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/page/logo/ico")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "File not found")
}

func TestDownload_NameMismatch(t *testing.T) {
	ts := newTestServer(t)
	page, _ := ts.uploadAndFollow(t, "logo.png", pngBytes(t, 32, 32, red))
	query := page[strings.Index(page, "?"):]

	for _, path := range []string{
		"/download/other/ico" + query,
		"/download/logo/png" + query,
		"/page/other/ico" + query,
	} {
		rec := ts.get(path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestDownload_FileRemoved(t *testing.T) {
	ts := newTestServer(t)
	page, download := ts.uploadAndFollow(t, "logo.png", pngBytes(t, 32, 32, red))

	token := page[strings.Index(page, "token=")+len("token="):]
	res, ok := ts.registry.Get(token)
	require.True(t, ok)
	require.NoError(t, os.Remove(res.OutputPath))

	rec := ts.get(download)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "File not found", rec.Body.String())
	_, ok = ts.registry.Get(token)
	assert.False(t, ok)
}

func TestConcurrentUploads_KeepTheirOwnResults(t *testing.T) {
	ts := newTestServer(t)

	// Same client-side name, different content.
	_, downloadA := ts.uploadAndFollow(t, "logo.png", pngBytes(t, 64, 64, red))
	_, downloadB := ts.uploadAndFollow(t, "logo.png", pngBytes(t, 32, 32, blue))

	recA := ts.get(downloadA)
	recB := ts.get(downloadB)

	require.Equal(t, http.StatusOK, recA.Code)
	require.Equal(t, http.StatusOK, recB.Code)
	assert.Equal(t, 64, iconEdge(t, recA.Body.Bytes()))
	assert.Equal(t, 32, iconEdge(t, recB.Body.Bytes()))
}

func TestConcurrentUploads_Parallel(t *testing.T) {
	ts := newTestServer(t)
	sizes := []int{16, 24, 32, 48, 64, 96, 128, 200}

	reqs := make([]*http.Request, len(sizes))
	for i, size := range sizes {
		reqs[i] = uploadRequest(t, "icon.png", pngBytes(t, size, size, red))
	}

	recs := make([]*httptest.ResponseRecorder, len(sizes))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = ts.do(reqs[i])
		}(i)
	}
	wg.Wait()

	for i, size := range sizes {
		require.Equal(t, http.StatusOK, recs[i].Code)
		pageLinks := links(recs[i].Body.String())
		require.Len(t, pageLinks, 1)

		download := strings.Replace(pageLinks[0], "/page/", "/download/", 1)
		rec := ts.get(download)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, size, iconEdge(t, rec.Body.Bytes()), "upload %d", i)
	}
}

func TestUpload_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newTestServer(t, withMetrics(reg))

	ts.uploadAndFollow(t, "logo.png", pngBytes(t, 16, 16, red))
	ts.do(uploadRequest(t, "notes.txt", []byte("text")))

	rec := ts.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `icoconvert_conversions_total{result="ok"} 1`)
	assert.Contains(t, string(body), `icoconvert_conversions_total{result="decode_error"} 1`)
}

func TestStaticStylesheet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/styles.css")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ".button")
}

func TestFavicon(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/favicon.ico")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 32, iconEdge(t, rec.Body.Bytes()))
}

func TestUploadAndDownload_NamesNeedingEscapes(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		upload string
		want   string
	}{
		{"50%off.png", "50%off.ico"},
		{"a%41.png", "a%41.ico"},
		{"my logo.png", "my logo.ico"},
		{"a#b.png", "a#b.ico"},
		{"a?b.png", "a?b.ico"},
	}

	for _, tt := range tests {
		t.Run(tt.upload, func(t *testing.T) {
			_, download := ts.uploadAndFollow(t, tt.upload, pngBytes(t, 16, 16, red))

			rec := ts.get(download)
			require.Equal(t, http.StatusOK, rec.Code, download)
			assert.Equal(t, `attachment; filename="`+tt.want+`"`, rec.Header().Get("Content-Disposition"))
			assert.Equal(t, 16, iconEdge(t, rec.Body.Bytes()))
		})
	}
}

func TestDownload_EscapedPathParams(t *testing.T) {
	ts := newTestServer(t)
	page, _ := ts.uploadAndFollow(t, "aA.png", pngBytes(t, 16, 16, red))
	query := page[strings.Index(page, "?"):]

	// %41 is a needlessly escaped "A", so the request keeps a raw path.
	rec := ts.get("/download/a%41/ico" + query)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDownload_NonASCIIName(t *testing.T) {
	ts := newTestServer(t)
	_, download := ts.uploadAndFollow(t, "café.png", pngBytes(t, 16, 16, red))

	rec := ts.get(download)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="caf_.ico"; filename*=UTF-8''caf%C3%A9.ico`,
		rec.Header().Get("Content-Disposition"))
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		disposition string
		name        string
		want        string
	}{
		{"attachment", "logo.ico", `attachment; filename="logo.ico"`},
		{"inline", `say "hi".ico`, `inline; filename="say \"hi\".ico"`},
		{"attachment", "日本.ico", `attachment; filename="__.ico"; filename*=UTF-8''%E6%97%A5%E6%9C%AC.ico`},
		{"attachment", "é b;c.ico", `attachment; filename="_ b;c.ico"; filename*=UTF-8''%C3%A9%20b%3Bc.ico`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, contentDisposition(tt.disposition, tt.name), tt.name)
	}
}

func TestUpload_RejectedUploadIsRemoved(t *testing.T) {
	ts := newTestServer(t, withConfig(func(cfg *config.Config) {
		cfg.Limits.MaxPixels = 100
	}))

	rec := ts.do(uploadRequest(t, "notes.txt", []byte("these are not pixels")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(uploadRequest(t, "huge.png", pngBytes(t, 20, 20, red)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	entries, err := os.ReadDir(ts.store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
