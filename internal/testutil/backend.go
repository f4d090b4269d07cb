package testutil

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ThemeCSS is served at /static/theme.css.
const ThemeCSS = "body { background: #000; color: #0f0; }\n"

// Subprotocol is the WebSocket subprotocol the backend prefers.
const Subprotocol = "termbridge.v1"

type backend struct {
	allowExit bool
	upgrader  websocket.Upgrader
}

// NewBackend returns the backend application handler.
func NewBackend() http.Handler {
	return newBackend(false)
}

func newBackend(allowExit bool) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	b := &backend{
		allowExit: allowExit,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.GET("/", b.index)
	r.GET("/static/theme.css", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/css; charset=utf-8", []byte(ThemeCSS))
	})
	r.GET("/theme", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/static/theme.css")
	})
	r.GET("/absolute", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "http://"+c.Request.Host+"/static/theme.css?v=2")
	})
	r.Any("/echo", b.echo)
	r.GET("/pid", func(c *gin.Context) {
		c.String(http.StatusOK, strconv.Itoa(os.Getpid()))
	})
	r.GET("/untyped", func(c *gin.Context) {
		c.Writer.Header()["Content-Type"] = nil
		c.Status(http.StatusOK)
		_, _ = c.Writer.Write([]byte("<!DOCTYPE html><html><body><a href=\"/x\">x</a></body></html>"))
	})
	r.GET("/malformed", b.malformed)
	r.GET("/ws", b.websocket)
	return r
}

func (b *backend) index(c *gin.Context) {
	host := c.Request.Host
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<link rel="stylesheet" href="/static/theme.css">
<script src="/static/app.js"></script>
</head>
<body>
<a href="/about">about</a>
<a href="https://example.org/">external</a>
<form action="/echo" method="post"></form>
<script>var ws = new WebSocket("ws://%s/ws");</script>
</body>
</html>
`, host)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

func (b *backend) echo(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	h := c.Writer.Header()
	h.Set("X-Echo-Method", c.Request.Method)
	h.Set("X-Echo-URI", c.Request.URL.RequestURI())
	h.Set("X-Echo-Prefix", c.GetHeader("X-Forwarded-Prefix"))
	h.Set("X-Echo-Trace", c.GetHeader("X-Trace-ID"))
	h.Set("X-Echo-Cookie", c.GetHeader("Cookie"))
	http.SetCookie(c.Writer, &http.Cookie{Name: "pref", Value: "dark", Path: "/"})
	ct := c.ContentType()
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(http.StatusCreated, ct, body)
}

func (b *backend) malformed(c *gin.Context) {
	hj, ok := c.Writer.(http.Hijacker)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = buf.WriteString("HTTP/1.1 two-hundred OK\r\nbogus header line\r\n\r\n")
	_ = buf.Flush()
}

// websocket echoes every message with its type, and understands a few text commands:
//
//	burst:N     send N numbered text frames
//	close:CODE  close the connection with CODE
//	drop        close the TCP connection without a close frame
//	query       reply with the handshake's raw query string
//	cookie      reply with the handshake's Cookie header
//	exit        terminate the process (child mode only)
func (b *backend) websocket(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	query := c.Request.URL.RawQuery
	cookie := c.GetHeader("Cookie")

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage {
			cmd := string(data)
			switch {
			case strings.HasPrefix(cmd, "burst:"):
				n, _ := strconv.Atoi(strings.TrimPrefix(cmd, "burst:"))
				for i := 0; i < n; i++ {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("frame-%d", i))); err != nil {
						return
					}
				}
				continue
			case strings.HasPrefix(cmd, "close:"):
				code, _ := strconv.Atoi(strings.TrimPrefix(cmd, "close:"))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"))
				drain(conn)
				return
			case cmd == "drop":
				_ = conn.NetConn().Close()
				return
			case cmd == "query":
				data = []byte(query)
			case cmd == "cookie":
				data = []byte(cookie)
			case cmd == "exit" && b.allowExit:
				os.Exit(7)
			}
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
