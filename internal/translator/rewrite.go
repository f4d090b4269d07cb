package translator

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/html"
)

var (
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdEncoder, _ = zstd.NewWriter(nil)
)

// rewriter adapts backend responses to the mount prefix and external origin.
type rewriter struct {
	prefix       string
	backendAddr  string
	externalHTTP string
	externalWS   string
	rewriteHTML  bool
	maxBody      int64
}

// headers rewrites Location, Content-Location and Set-Cookie paths in place.
func (rw *rewriter) headers(h http.Header) {
	for _, key := range []string{"Location", "Content-Location"} {
		if v := h.Get(key); v != "" {
			h.Set(key, rw.location(v))
		}
	}
	if rw.prefix == "" {
		return
	}
	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		out := make([]string, len(cookies))
		for i, c := range cookies {
			out[i] = rw.cookiePath(c)
		}
		h["Set-Cookie"] = out
	}
}

// location maps a root-relative path or a backend-origin URL to <prefix><path>.
func (rw *rewriter) location(loc string) string {
	u, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	if u.Host != "" {
		if !rw.isBackendHost(u.Host) {
			return loc
		}
		switch u.Scheme {
		case "", "http", "https", "ws", "wss":
		default:
			return loc
		}
		rel := url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery, Fragment: u.Fragment}
		p := rel.String()
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return rw.prefixed(p)
	}
	if strings.HasPrefix(loc, "/") {
		return rw.prefixed(loc)
	}
	return loc
}

func (rw *rewriter) isBackendHost(host string) bool {
	if host == rw.backendAddr {
		return true
	}
	_, port, err := net.SplitHostPort(rw.backendAddr)
	if err != nil {
		return false
	}
	return host == net.JoinHostPort("localhost", port)
}

// prefixed puts the mount prefix in front of a root-relative reference
// unless it already carries it.
func (rw *rewriter) prefixed(p string) string {
	if rw.prefix == "" {
		return p
	}
	if p == rw.prefix || strings.HasPrefix(p, rw.prefix+"/") || strings.HasPrefix(p, rw.prefix+"?") {
		return p
	}
	return rw.prefix + p
}

func (rw *rewriter) rootRelative(v string) string {
	if strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//") {
		return rw.prefixed(v)
	}
	return v
}

// cookiePath rewrites the Path attribute of one Set-Cookie value.
func (rw *rewriter) cookiePath(line string) string {
	parts := strings.Split(line, ";")
	for i := 1; i < len(parts); i++ {
		attr := strings.TrimSpace(parts[i])
		if len(attr) < 5 || !strings.EqualFold(attr[:5], "path=") {
			continue
		}
		val := attr[5:]
		if !strings.HasPrefix(val, "/") {
			continue
		}
		if val == "/" {
			parts[i] = " Path=" + rw.prefix
		} else {
			parts[i] = " Path=" + rw.prefixed(val)
		}
	}
	return strings.Join(parts, ";")
}

// body rewrites HTML documents. Anything it does not rewrite is passed
// through byte for byte.
func (rw *rewriter) body(resp *http.Response) error {
	if !rw.rewriteHTML || resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return nil
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity", "gzip", "zstd":
	default:
		return nil
	}

	ctype := resp.Header.Get("Content-Type")
	if ctype != "" && !isHTML(ctype) {
		return nil
	}
	if resp.ContentLength > rw.maxBody {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, rw.maxBody+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(raw)) > rw.maxBody {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), Closer: resp.Body}
		return nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	plain, err := decode(encoding, raw)
	if err != nil {
		return fmt.Errorf("decode %s body: %w", encoding, err)
	}

	sniffed := ""
	if ctype == "" {
		if len(plain) == 0 {
			return nil
		}
		detected := mimetype.Detect(plain)
		if !detected.Is("text/html") {
			return nil
		}
		sniffed = detected.String()
	}

	out, changed := rw.document(plain)
	if !changed {
		return nil
	}
	if sniffed != "" {
		resp.Header.Set("Content-Type", sniffed)
	}
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		resp.Header.Set("ETag", "W/"+etag)
	}

	encoded, err := encode(encoding, out)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", encoding, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(encoded))
	resp.ContentLength = int64(len(encoded))
	resp.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	return nil
}

// document rewrites root-relative href/src/action attributes and
// backend-origin URLs. Only the rewritten values change; every other byte
// of src is kept. changed is false when the input needs nothing.
func (rw *rewriter) document(src []byte) ([]byte, bool) {
	out := src
	changed := false

	if rw.prefix != "" {
		if spliced, ok := rw.prefixAttrs(src); ok {
			out = spliced
			changed = true
		}
	}

	if replaced, ok := rw.replaceOrigins(out); ok {
		out = replaced
		changed = true
	}
	return out, changed
}

// prefixAttrs inserts the prefix in front of root-relative URL attribute
// values. The tokenizer only locates tags; the bytes are copied from src.
func (rw *rewriter) prefixAttrs(src []byte) ([]byte, bool) {
	escaped := []byte(html.EscapeString(rw.prefix))
	z := html.NewTokenizer(bytes.NewReader(src))

	var inserts []int
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		n := len(z.Raw())
		if offset+n > len(src) {
			return src, false
		}
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			for _, a := range tagAttrs(src[offset : offset+n]) {
				v := html.UnescapeString(string(src[offset+a.start : offset+a.end]))
				if rw.rootRelative(v) != v {
					inserts = append(inserts, offset+a.start)
				}
			}
		}
		offset += n
	}
	if len(inserts) == 0 {
		return src, false
	}

	out := make([]byte, 0, len(src)+len(inserts)*len(escaped))
	last := 0
	for _, at := range inserts {
		out = append(out, src[last:at]...)
		out = append(out, escaped...)
		last = at
	}
	return append(out, src[last:]...), true
}

// attrSpan locates one URL attribute value inside a raw tag.
type attrSpan struct {
	start, end int
}

var urlAttrs = map[string]bool{"href": true, "src": true, "action": true}

// tagAttrs scans a raw start tag and returns the value spans of its href,
// src and action attributes, following the HTML attribute syntax.
func tagAttrs(tag []byte) []attrSpan {
	var spans []attrSpan
	i := 1
	for i < len(tag) && !isTagSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' {
		i++
	}
	for i < len(tag) {
		for i < len(tag) && (isTagSpace(tag[i]) || tag[i] == '/') {
			i++
		}
		if i >= len(tag) || tag[i] == '>' {
			break
		}

		nameStart := i
		i++
		for i < len(tag) && !isTagSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' && tag[i] != '=' {
			i++
		}
		name := strings.ToLower(string(tag[nameStart:i]))

		for i < len(tag) && isTagSpace(tag[i]) {
			i++
		}
		if i >= len(tag) || tag[i] != '=' {
			continue
		}
		i++
		for i < len(tag) && isTagSpace(tag[i]) {
			i++
		}
		if i >= len(tag) {
			break
		}

		var start, end int
		switch q := tag[i]; q {
		case '"', '\'':
			start = i + 1
			j := bytes.IndexByte(tag[start:], q)
			if j < 0 {
				return spans
			}
			end = start + j
			i = end + 1
		default:
			start = i
			for i < len(tag) && !isTagSpace(tag[i]) && tag[i] != '>' {
				i++
			}
			end = i
		}
		if urlAttrs[name] {
			spans = append(spans, attrSpan{start: start, end: end})
		}
	}
	return spans
}

func isTagSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}

func (rw *rewriter) replaceOrigins(src []byte) ([]byte, bool) {
	_, port, err := net.SplitHostPort(rw.backendAddr)
	if err != nil {
		return src, false
	}
	hosts := []string{rw.backendAddr, net.JoinHostPort("localhost", port)}

	found := false
	pairs := make([]string, 0, 8)
	for _, h := range hosts {
		if bytes.Contains(src, []byte("//"+h)) {
			found = true
		}
		pairs = append(pairs,
			"http://"+h, rw.externalHTTP+rw.prefix,
			"ws://"+h, rw.externalWS+rw.prefix,
		)
	}
	if !found {
		return src, false
	}
	s := string(src)
	out := strings.NewReplacer(pairs...).Replace(s)
	return []byte(out), out != s
}

func isHTML(ctype string) bool {
	mt, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func decode(encoding string, raw []byte) ([]byte, error) {
	switch encoding {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "zstd":
		return zstdDecoder.DecodeAll(raw, nil)
	default:
		return raw, nil
	}
}

func encode(encoding string, plain []byte) ([]byte, error) {
	switch encoding {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(plain); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		return zstdEncoder.EncodeAll(plain, nil), nil
	default:
		return plain, nil
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
