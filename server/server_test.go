package server

import (
	"bytes"
	"html"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"icoconvert/config"
	"icoconvert/converter"
	"icoconvert/store"
)

// --- Test helpers ---

type testServer struct {
	*Server
	store    *store.Store
	registry *store.Registry
}

type serverOption func(*config.Config, *Deps)

func withConfig(fn func(*config.Config)) serverOption {
	return func(cfg *config.Config, _ *Deps) { fn(cfg) }
}

func withSweeper(sw SweepRunner) serverOption {
	return func(_ *config.Config, deps *Deps) { deps.Sweeper = sw }
}

func withMetrics(reg *prometheus.Registry) serverOption {
	return func(_ *config.Config, deps *Deps) { deps.Metrics = reg }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.TempDir = filepath.Join(t.TempDir(), "temp")
	cfg.Limits.UploadRate = 0

	st, err := store.New(cfg.Storage.TempDir, nil)
	require.NoError(t, err)
	reg := store.NewRegistry()

	deps := Deps{Store: st, Registry: reg}
	for _, opt := range opts {
		opt(cfg, &deps)
	}
	deps.Converter = converter.New(converter.Options{
		MaxSize:     cfg.Converter.MaxSize,
		MaxBytes:    cfg.Limits.MaxUploadBytes,
		MaxPixels:   cfg.Limits.MaxPixels,
		Concurrency: 2,
	})

	srv, err := NewServer(cfg, deps)
	require.NoError(t, err)

	return &testServer{Server: srv, store: st, registry: reg}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(formField, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var hrefPattern = regexp.MustCompile(`href="(/(?:page|download)/[^"]+)"`)

// links returns the unescaped /page and /download hrefs in an HTML body.
func links(body string) []string {
	var out []string
	for _, m := range hrefPattern.FindAllStringSubmatch(body, -1) {
		out = append(out, html.UnescapeString(m[1]))
	}
	return out
}

// uploadAndFollow uploads a file and returns the result page URL and the download URL.
func (ts *testServer) uploadAndFollow(t *testing.T, filename string, data []byte) (string, string) {
	t.Helper()

	rec := ts.do(uploadRequest(t, filename, data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pageLinks := links(rec.Body.String())
	require.Len(t, pageLinks, 1)

	rec = ts.get(pageLinks[0])
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	downloadLinks := links(rec.Body.String())
	require.Len(t, downloadLinks, 1)

	return pageLinks[0], downloadLinks[0]
}

func iconEdge(t *testing.T, data []byte) int {
	t.Helper()

	hdr, err := converter.Inspect(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, hdr.Entries, 1)
	require.Equal(t, hdr.Entries[0].Width, hdr.Entries[0].Height)
	return hdr.Entries[0].Width
}

func httptestPost(t *testing.T, path, contentType, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	return req
}
