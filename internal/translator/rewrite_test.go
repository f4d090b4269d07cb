package translator

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRewriter(prefix string) *rewriter {
	return &rewriter{
		prefix:       prefix,
		backendAddr:  "127.0.0.1:41000",
		externalHTTP: "https://bridge.example",
		externalWS:   "wss://bridge.example",
		rewriteHTML:  true,
		maxBody:      1 << 20,
	}
}

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		prefix, path, want string
	}{
		{"", "", "/"},
		{"", "/x", "/x"},
		{"/app", "/app", "/"},
		{"/app", "/app/", "/"},
		{"/app", "/app/static/theme.css", "/static/theme.css"},
		{"/app", "/application", "/application"},
		{"/app", "/other", "/other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripPrefix(tt.prefix, tt.path), "%q %q", tt.prefix, tt.path)
	}
}

func TestRewriterLocation(t *testing.T) {
	rw := testRewriter("/app")
	tests := []struct {
		in, want string
	}{
		{"/static/theme.css", "/app/static/theme.css"},
		{"/app/already", "/app/already"},
		{"/app", "/app"},
		{"http://127.0.0.1:41000/login?next=/", "/app/login?next=/"},
		{"http://localhost:41000/x#top", "/app/x#top"},
		{"https://example.org/elsewhere", "https://example.org/elsewhere"},
		{"relative/path", "relative/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rw.location(tt.in), tt.in)
	}

	assert.Equal(t, "/static/theme.css", testRewriter("").location("/static/theme.css"))
}

func TestRewriterCookiePath(t *testing.T) {
	rw := testRewriter("/app")
	tests := []struct {
		in, want string
	}{
		{"a=1; Path=/", "a=1; Path=/app"},
		{"a=1; path=/api; HttpOnly", "a=1; Path=/app/api; HttpOnly"},
		{"a=1; Path=/app/x", "a=1; Path=/app/x"},
		{"a=1; HttpOnly", "a=1; HttpOnly"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rw.cookiePath(tt.in), tt.in)
	}
}

func TestRewriterHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Location", "/next")
	h.Set("Content-Location", "/doc")
	h.Add("Set-Cookie", "a=1; Path=/")
	h.Add("Set-Cookie", "b=2; Path=/sub")

	testRewriter("/app").headers(h)

	assert.Equal(t, "/app/next", h.Get("Location"))
	assert.Equal(t, "/app/doc", h.Get("Content-Location"))
	assert.Equal(t, []string{"a=1; Path=/app", "b=2; Path=/app/sub"}, h.Values("Set-Cookie"))
}

func TestRewriterDocument(t *testing.T) {
	rw := testRewriter("/app")

	out, changed := rw.document([]byte(`<html><body><img src="/logo.png"><a href="//cdn.test/x">cdn</a>` +
		`<form action='/submit'></form><script>fetch("http://127.0.0.1:41000/api")</script></body></html>`))
	require.True(t, changed)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(out))
	require.NoError(t, err)
	src, _ := doc.Find("img").Attr("src")
	assert.Equal(t, "/app/logo.png", src)
	href, _ := doc.Find("a").Attr("href")
	assert.Equal(t, "//cdn.test/x", href)
	action, _ := doc.Find("form").Attr("action")
	assert.Equal(t, "/app/submit", action)
	assert.Contains(t, doc.Find("script").Text(), `https://bridge.example/app/api`)

	_, changed = rw.document([]byte(`<html><body><a href="https://example.org/">x</a></body></html>`))
	assert.False(t, changed)
}

func TestRewriterDocumentKeepsSurroundingBytes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fragment without wrappers",
			in:   "<!doctype html>\n<title>T</title>\n<link href=\"/static/theme.css\" rel=stylesheet>\n<p>hi",
			want: "<!doctype html>\n<title>T</title>\n<link href=\"/app/static/theme.css\" rel=stylesheet>\n<p>hi",
		},
		{
			name: "unquoted and single quoted values",
			in:   "<IMG SRC=/a.png alt=x><br><a href='/b?x=1&amp;y=2'>b</a>",
			want: "<IMG SRC=/app/a.png alt=x><br><a href='/app/b?x=1&amp;y=2'>b</a>",
		},
		{
			name: "self closing and spacing",
			in:   "<script src = \"/app.js\" ></script><img src=\"/i.png\"/>",
			want: "<script src = \"/app/app.js\" ></script><img src=\"/app/i.png\"/>",
		},
		{
			name: "attributes inside comments and scripts untouched",
			in:   "<!-- <a href=\"/c\"> --><script>var s = '<a href=\"/d\">';</script><a data-href=\"/e\" href=\"/f\">",
			want: "<!-- <a href=\"/c\"> --><script>var s = '<a href=\"/d\">';</script><a data-href=\"/e\" href=\"/app/f\">",
		},
	}

	rw := testRewriter("/app")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed := rw.document([]byte(tt.in))
			require.True(t, changed)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestRewriterBodyWeakensETag(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}, "Etag": {`"v1"`}},
		Body:       io.NopCloser(strings.NewReader(`<a href="/about">about</a>`)),
	}
	require.NoError(t, testRewriter("/app").body(resp))
	assert.Equal(t, `W/"v1"`, resp.Header.Get("ETag"))

	resp = &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}, "Etag": {`"v2"`}},
		Body:       io.NopCloser(strings.NewReader(`<a href="https://example.org/">x</a>`)),
	}
	require.NoError(t, testRewriter("/app").body(resp))
	assert.Equal(t, `"v2"`, resp.Header.Get("ETag"))
}

func TestRewriterBodyEncodings(t *testing.T) {
	page := []byte(`<html><body><a href="/about">about</a></body></html>`)

	for _, encoding := range []string{"", "gzip", "zstd"} {
		t.Run("encoding "+encoding, func(t *testing.T) {
			raw, err := encode(encoding, page)
			require.NoError(t, err)

			resp := &http.Response{
				StatusCode:    http.StatusOK,
				Header:        http.Header{"Content-Type": {"text/html"}},
				Body:          io.NopCloser(bytes.NewReader(raw)),
				ContentLength: int64(len(raw)),
			}
			if encoding != "" {
				resp.Header.Set("Content-Encoding", encoding)
			}

			require.NoError(t, testRewriter("/app").body(resp))
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, int64(len(got)), resp.ContentLength)

			plain, err := decode(encoding, got)
			require.NoError(t, err)
			assert.Contains(t, string(plain), `href="/app/about"`)
		})
	}
}

func TestRewriterBodyPassthrough(t *testing.T) {
	tests := []struct {
		name     string
		ctype    string
		encoding string
		body     string
	}{
		{name: "css", ctype: "text/css", body: `a { background: url("/x.png") }`},
		{name: "unknown encoding", ctype: "text/html", encoding: "br", body: "\x8b\x00garbage"},
		{name: "sniffed plain text", body: "/just/a/path\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}
			if tt.ctype != "" {
				resp.Header.Set("Content-Type", tt.ctype)
			}
			if tt.encoding != "" {
				resp.Header.Set("Content-Encoding", tt.encoding)
			}

			require.NoError(t, testRewriter("/app").body(resp))
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(got))
			assert.Equal(t, tt.ctype, resp.Header.Get("Content-Type"))
		})
	}
}

func TestRewriterSniffedHTMLGetsContentType(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`<!DOCTYPE html><html><body><a href="/x">x</a></body></html>`)),
	}
	require.NoError(t, testRewriter("/app").body(resp))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
}

func TestRewriterOversizedBodyUntouched(t *testing.T) {
	rw := testRewriter("/app")
	rw.maxBody = 16
	page := `<html><body><a href="/about">about</a></body></html>`

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/html"}},
		Body:          io.NopCloser(strings.NewReader(page)),
		ContentLength: -1,
	}
	require.NoError(t, rw.body(resp))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, page, string(got))
}
