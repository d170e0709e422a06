package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"icoconvert/converter"
	"icoconvert/logging"
	"icoconvert/metrics"
	"icoconvert/store"
)

const (
	formField       = "file"
	tokenParam      = "token"
	notFoundMessage = "File not found"
)

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

type homePage struct {
	MaxSize     int
	MaxUploadMB string
	Retention   string
}

type uploadedPage struct {
	SourceName string
	FileName   string
	PageURL    string
}

type resultPage struct {
	FileName    string
	Width       int
	Height      int
	DownloadURL string
	PreviewURL  string
}

type errorPage struct {
	Title   string
	Message string
}

func (s *Server) handleHome(c echo.Context) error {
	if s.config.Sweep.OnHomePage && s.sweeper != nil {
		if _, err := s.sweeper.RunOnce(); err != nil {
			slog.Warn("Home page sweep failed", "error", err)
		}
	}

	return s.render(c, http.StatusOK, "home.html", homePage{
		MaxSize:     s.converter.MaxSize(),
		MaxUploadMB: fmt.Sprintf("%.1f", float64(s.config.Limits.MaxUploadBytes)/(1<<20)),
		Retention:   s.config.Storage.MaxAge.String(),
	})
}

func (s *Server) handleUpload(c echo.Context) error {
	fh, err := c.FormFile(formField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.observe(metrics.ResultTooLarge, 0)
			return s.renderError(c, http.StatusRequestEntityTooLarge, "File too large",
				"The uploaded file exceeds the size limit.")
		}
		return s.renderError(c, http.StatusBadRequest, "No file uploaded",
			"Choose an image file and try again.")
	}

	if limit := s.config.Limits.MaxUploadBytes; limit > 0 && fh.Size > limit {
		s.observe(metrics.ResultTooLarge, 0)
		return s.renderError(c, http.StatusRequestEntityTooLarge, "File too large",
			"The uploaded file exceeds the size limit.")
	}

	src, err := fh.Open()
	if err != nil {
		return s.renderError(c, http.StatusBadRequest, "Upload failed", "The uploaded file could not be read.")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return s.renderError(c, http.StatusBadRequest, "Upload failed", "The uploaded file could not be read.")
	}

	name := store.SanitizeName(fh.Filename)
	base, _ := store.SplitName(name)
	token := store.NewToken()
	prefix := tokenPrefix(token)
	log := logging.WithResult(prefix).With("file", name)

	sourcePath, err := s.store.Write(prefix+"-"+name, data)
	if err != nil {
		log.Error("Failed to store upload", "error", err)
		s.observe(metrics.ResultError, 0)
		return s.renderError(c, http.StatusInternalServerError, "Upload failed", "The file could not be saved.")
	}

	var buf bytes.Buffer
	info, err := s.converter.Convert(c.Request().Context(), bytes.NewReader(data), &buf)
	if err != nil {
		s.discard(log, sourcePath)
		return s.conversionFailed(c, log, err)
	}

	outputPath, err := s.store.Write(prefix+"-"+base+converter.Extension, buf.Bytes())
	if err != nil {
		s.discard(log, sourcePath)
		log.Error("Failed to store icon", "error", err)
		s.observe(metrics.ResultError, 0)
		return s.renderError(c, http.StatusInternalServerError, "Conversion failed", "The icon could not be saved.")
	}

	res := s.registry.Put(store.Result{
		Token:      token,
		SourceName: fh.Filename,
		SourcePath: sourcePath,
		OutputPath: outputPath,
		BaseName:   base,
		Extension:  strings.TrimPrefix(converter.Extension, "."),
		Width:      info.Width,
		Height:     info.Height,
		CreatedAt:  time.Now(),
	})
	s.observe(metrics.ResultOK, info.Duration)

	log.Info("Converted upload",
		"format", info.SourceFormat,
		"source_size", fmt.Sprintf("%dx%d", info.SourceWidth, info.SourceHeight),
		"icon_size", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"duration", info.Duration)

	return s.render(c, http.StatusOK, "uploaded.html", uploadedPage{
		SourceName: fh.Filename,
		FileName:   res.FileName(),
		PageURL:    resultURL("/page", res, nil),
	})
}

// discard removes a stored original whose conversion did not produce a result.
func (s *Server) discard(log *slog.Logger, path string) {
	if err := s.store.Remove(path); err != nil {
		log.Warn("Failed to remove rejected upload", "path", path, "error", err)
	}
}

func (s *Server) conversionFailed(c echo.Context, log *slog.Logger, err error) error {
	var decodeErr *converter.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		log.Info("Upload is not a decodable image", "error", err)
		s.observe(metrics.ResultDecode, 0)
		return s.renderError(c, http.StatusBadRequest, "Unsupported file",
			"The uploaded file is not an image we can read.")
	case errors.Is(err, converter.ErrTooLarge):
		s.observe(metrics.ResultTooLarge, 0)
		return s.renderError(c, http.StatusRequestEntityTooLarge, "Image too large",
			"The image exceeds the size or pixel limit.")
	default:
		log.Error("Conversion failed", "error", err)
		s.observe(metrics.ResultError, 0)
		return s.renderError(c, http.StatusInternalServerError, "Conversion failed",
			"The image could not be converted.")
	}
}

func (s *Server) handlePage(c echo.Context) error {
	res, ok := s.lookup(c)
	if !ok {
		return s.renderError(c, http.StatusNotFound, notFoundMessage,
			"The requested file does not exist or has expired.")
	}

	return s.render(c, http.StatusOK, "result.html", resultPage{
		FileName:    res.FileName(),
		Width:       res.Width,
		Height:      res.Height,
		DownloadURL: resultURL("/download", res, nil),
		PreviewURL:  resultURL("/download", res, url.Values{"inline": {"1"}}),
	})
}

func (s *Server) handleDownload(c echo.Context) error {
	res, ok := s.lookup(c)
	if !ok {
		return c.String(http.StatusNotFound, notFoundMessage)
	}

	f, info, err := s.store.Open(res.OutputPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.registry.ForgetPath(res.OutputPath)
			return c.String(http.StatusNotFound, notFoundMessage)
		}
		slog.Error("Failed to open icon", "path", res.OutputPath, "error", err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(res.OutputPath))
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}

	disposition := "attachment"
	if c.QueryParam("inline") == "1" {
		disposition = "inline"
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, contentType)
	h.Set(echo.HeaderContentDisposition, contentDisposition(disposition, res.FileName()))

	http.ServeContent(c.Response(), c.Request(), res.FileName(), info.ModTime(), f)
	return nil
}

// contentDisposition builds the header value. Non-ASCII names get an ASCII
// fallback in filename and the exact name in filename* (RFC 6266).
func contentDisposition(disposition, name string) string {
	ascii := true
	for i := 0; i < len(name); i++ {
		if name[i] >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return fmt.Sprintf(`%s; filename="%s"`, disposition, quoteEscaper.Replace(name))
	}

	fallback := strings.Map(func(r rune) rune {
		if r >= utf8.RuneSelf {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`,
		disposition, quoteEscaper.Replace(fallback), encodeExtValue(name))
}

// encodeExtValue percent-encodes everything outside RFC 5987 attr-char.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// lookup resolves the token query parameter and checks it names the
// filename/extension in the path.
func (s *Server) lookup(c echo.Context) (store.Result, bool) {
	token := c.QueryParam(tokenParam)
	if token == "" {
		return store.Result{}, false
	}

	res, ok := s.registry.Get(token)
	if !ok {
		return store.Result{}, false
	}

	filename, ok := pathParam(c, "filename")
	if !ok {
		return store.Result{}, false
	}
	extension, ok := pathParam(c, "extension")
	if !ok {
		return store.Result{}, false
	}

	if !res.Matches(filename, extension) {
		return store.Result{}, false
	}
	return res, true
}

// pathParam returns the decoded value of a path parameter. Echo matches on
// URL.RawPath when it is set, and only then are params still escaped.
func pathParam(c echo.Context, name string) (string, bool) {
	v := c.Param(name)
	if c.Request().URL.RawPath == "" {
		return v, true
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return "", false
	}
	return decoded, true
}

func (s *Server) render(c echo.Context, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("Failed to render template", "template", name, "error", err)
		return c.String(http.StatusInternalServerError, "Internal server error")
	}
	return c.HTMLBlob(status, buf.Bytes())
}

func (s *Server) renderError(c echo.Context, status int, title, message string) error {
	return s.render(c, status, "error.html", errorPage{Title: title, Message: message})
}

// resultURL builds e.g. /page/logo/ico?token=...
func resultURL(prefix string, res store.Result, extra url.Values) string {
	q := url.Values{tokenParam: {res.Token}}
	for k, v := range extra {
		q[k] = v
	}
	return fmt.Sprintf("%s/%s/%s?%s", prefix,
		url.PathEscape(res.BaseName), url.PathEscape(res.Extension), q.Encode())
}

// tokenPrefix is the first segment of a UUID token, used to keep stored names unique.
func tokenPrefix(token string) string {
	if i := strings.IndexByte(token, '-'); i > 0 {
		return token[:i]
	}
	return token
}
