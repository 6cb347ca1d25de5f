package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asgibridge/asgibridge/internal/msgs"
)

// handleBridge is the ASGI bridge itself: buffer the request body,
// hand it to the application over the channel layer, wait for the
// first response envelope, then stream whatever body follows.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	version, ok := httpVersion(r)
	if !ok {
		writeErrorPage(w, http.StatusHTTPVersionNotSupported, "unsupported HTTP version")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.WithError(err).Warn("reading request body")
		writeErrorPage(w, http.StatusBadRequest, "could not read request body")
		return
	}

	sendStart := time.Now()
	replyChannel, err := s.sendRequest(ctx, r, version, body)
	s.observeStage("send", sendStart)
	if err != nil {
		s.log.WithError(err).Error("sending request to application")
		if s.metrics != nil {
			s.metrics.RequestsFailed.Inc()
		}
		writeErrorPage(w, http.StatusInternalServerError, "could not deliver request")
		return
	}

	waitStart := time.Now()
	var resp msgs.Response
	err = s.pump.WaitForReply(ctx, replyChannel, &resp)
	s.observeStage("await_response", waitStart)
	if err != nil {
		s.log.WithError(err).Error("awaiting response from application")
		if s.metrics != nil {
			s.metrics.RequestsFailed.Inc()
		}
		writeErrorPage(w, http.StatusInternalServerError, "application did not respond")
		return
	}

	for _, h := range resp.Headers {
		w.Header().Add(string(h.Name), string(h.Value))
	}
	w.WriteHeader(int(resp.Status))

	stream := NewBodyStream(ctx, s.pump, replyChannel, resp.Content, resp.MoreContent)
	var dst io.Writer = w
	if f, ok := w.(http.Flusher); ok {
		dst = &flushWriter{w: w, flusher: f}
	}
	if _, err := io.Copy(dst, stream); err != nil {
		s.log.WithError(err).Warn("streaming response body")
		if s.metrics != nil {
			s.metrics.RequestsFailed.Inc()
		}
		// Headers are already on the wire: abort the connection so the
		// client sees a broken body rather than a clean, truncated one.
		panic(http.ErrAbortHandler)
	}

	if s.metrics != nil {
		s.metrics.RequestsHandled.Inc()
	}
}

// sendRequest runs the borrow-and-send step on the bounded worker pool,
// mirroring the reference implementation's send_request_sync: the
// whole send (initial envelope plus any body chunks) happens as one
// semaphore-gated unit of work, so the number of in-flight sends never
// exceeds the configured worker pool size.
func (s *Server) sendRequest(ctx context.Context, r *http.Request, version string, body []byte) (string, error) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.workers.Release(1)

	borrowed, err := s.pool.Borrow(ctx)
	if err != nil {
		return "", err
	}
	defer borrowed.Release()

	layer := borrowed.Layer

	replyChannel, err := layer.NewChannel("http.response!")
	if err != nil {
		return "", err
	}

	var bodyChannel *string
	var chunks [][]byte
	if len(body) > s.cfg.ChunkSize {
		ch, err := layer.NewChannel("http.request.body?")
		if err != nil {
			return "", err
		}
		bodyChannel = &ch
		for len(body) > 0 {
			n := s.cfg.ChunkSize
			if n > len(body) {
				n = len(body)
			}
			chunks = append(chunks, body[:n])
			body = body[n:]
		}
		body = chunks[0]
		chunks = chunks[1:]
	}

	req := &msgs.Request{
		ReplyChannel: replyChannel,
		HTTPVersion:  version,
		Method:       r.Method,
		Scheme:       scheme(r),
		Path:         r.URL.Path,
		QueryString:  r.URL.RawQuery,
		Headers:      lowercaseHeaders(r.Header),
		Body:         body,
		BodyChannel:  bodyChannel,
		Client:       clientAddr(r),
		Server:       serverAddr(r, s.cfg.Addr),
	}

	if err := layer.Send(ctx, "http.request", req); err != nil {
		return "", err
	}

	// Chunks must land on the body channel in order, so this can't be
	// parallelized — but it does bail out as soon as the client goes
	// away instead of pushing the rest of a large body into Redis for
	// nobody to read.
	if bodyChannel != nil {
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			more := i < len(chunks)-1
			msg := &msgs.RequestBodyChunk{Content: chunk, MoreContent: more}
			if err := layer.Send(ctx, *bodyChannel, msg); err != nil {
				return "", err
			}
		}
	}

	return replyChannel, nil
}

// httpVersion maps r.Proto to the two HTTP versions the channel-layer
// protocol allows ("1.0", "1.1"). HTTP/0.9 and HTTP/2 requests are
// rejected outright rather than silently misreported.
func httpVersion(r *http.Request) (string, bool) {
	switch {
	case r.ProtoMajor == 1 && r.ProtoMinor == 0:
		return "1.0", true
	case r.ProtoMajor == 1 && r.ProtoMinor == 1:
		return "1.1", true
	default:
		return "", false
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func lowercaseHeaders(h http.Header) []msgs.Header {
	headers := make([]msgs.Header, 0, len(h))
	for name, values := range h {
		lower := []byte(strings.ToLower(name))
		for _, v := range values {
			headers = append(headers, msgs.Header{Name: lower, Value: []byte(v)})
		}
	}
	return headers
}

func clientAddr(r *http.Request) *msgs.HostPort {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil
	}
	return &msgs.HostPort{Host: host, Port: uint16(port)}
}

func serverAddr(r *http.Request, configuredAddr string) msgs.HostPort {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if host, portStr, err := net.SplitHostPort(addr.String()); err == nil {
			if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
				return msgs.HostPort{Host: host, Port: uint16(port)}
			}
		}
	}
	host, portStr, err := net.SplitHostPort(configuredAddr)
	if err != nil {
		return msgs.HostPort{Host: configuredAddr}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return msgs.HostPort{Host: host, Port: uint16(port)}
}

// flushWriter adapts an http.ResponseWriter + http.Flusher pair into an
// io.Writer that flushes after every write, so a streaming response
// body reaches the client chunk-by-chunk instead of being buffered
// until the handler returns.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.flusher.Flush()
	}
	return n, err
}
