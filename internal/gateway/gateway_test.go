package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/asgibridge/asgibridge/internal/channels"
	"github.com/asgibridge/asgibridge/internal/config"
	"github.com/asgibridge/asgibridge/internal/metrics"
	"github.com/asgibridge/asgibridge/internal/msgs"
	"github.com/asgibridge/asgibridge/internal/replypump"
)

// testHarness wires a Server against a miniredis-backed channel layer
// and exposes a raw Layer so tests can play the role of the
// application on the other side of the bridge.
type testHarness struct {
	srv   *Server
	layer channels.Layer
	t     *testing.T
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	layer := channels.NewRedisLayer(client, "asgi:", time.Minute, 100*time.Millisecond, 100)
	pool := channels.NewPool(layer, 4)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	pump := replypump.New(ctx, layer, log, nil)
	t.Cleanup(pump.Shutdown)

	cfg := config.Default().Server
	cfg.WorkerPoolSize = 4
	srv := New(cfg, pool, pump, metrics.New(), log)

	return &testHarness{srv: srv, layer: layer, t: t}
}

// respondOnce waits for the next http.request, decodes it, and sends
// back resp on its reply channel — playing the part of the ASGI
// application for exactly one request.
func (h *testHarness) respondOnce(resp msgs.Response) *msgs.Request {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := h.layer.Receive(ctx, []string{"http.request"}, true)
	require.NoError(h.t, err)
	require.NotNil(h.t, msg)

	var req msgs.Request
	require.NoError(h.t, channels.DecodeMessage(msg.Payload, &req))

	require.NoError(h.t, h.layer.Send(ctx, req.ReplyChannel, &resp))
	return &req
}

func TestBridgeSimpleRequestResponse(t *testing.T) {
	h := newHarness(t)

	done := make(chan *msgs.Request, 1)
	go func() {
		done <- h.respondOnce(msgs.Response{
			Status:  200,
			Headers: []msgs.Header{{Name: []byte("content-type"), Value: []byte("text/plain")}},
			Content: []byte("hello"),
		})
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/widgets?page=2", nil)
	h.srv.ServeHTTP(w, r)

	req := <-done
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/widgets", req.Path)
	require.Equal(t, "page=2", req.QueryString)

	require.Equal(t, 200, w.Code)
	require.Equal(t, "hello", w.Body.String())
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestBridgeLowercasesHeaderNamesToApplication(t *testing.T) {
	h := newHarness(t)

	done := make(chan *msgs.Request, 1)
	go func() {
		done <- h.respondOnce(msgs.Response{Status: 204})
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Custom-Header", "value")
	h.srv.ServeHTTP(w, r)

	req := <-done
	found := false
	for _, hdr := range req.Headers {
		if string(hdr.Name) == "x-custom-header" {
			found = true
			require.Equal(t, "value", string(hdr.Value))
		}
	}
	require.True(t, found, "expected lower-cased header to be forwarded")
}

func TestBridgeChunksLargeRequestBody(t *testing.T) {
	h := newHarness(t)

	body := make([]byte, 3*h.srv.cfg.ChunkSize+17)
	for i := range body {
		body[i] = byte(i % 251)
	}

	done := make(chan *msgs.Request, 1)
	received := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		msg, err := h.layer.Receive(ctx, []string{"http.request"}, true)
		require.NoError(h.t, err)
		var req msgs.Request
		require.NoError(h.t, channels.DecodeMessage(msg.Payload, &req))
		done <- &req

		full := append([]byte(nil), req.Body...)
		require.NotNil(h.t, req.BodyChannel)
		for {
			cmsg, err := h.layer.Receive(ctx, []string{*req.BodyChannel}, true)
			require.NoError(h.t, err)
			require.NotNil(h.t, cmsg)
			var chunk msgs.RequestBodyChunk
			require.NoError(h.t, channels.DecodeMessage(cmsg.Payload, &chunk))
			full = append(full, chunk.Content...)
			if !chunk.MoreContent {
				break
			}
		}
		received <- full

		require.NoError(h.t, h.layer.Send(ctx, req.ReplyChannel, &msgs.Response{Status: 200}))
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	h.srv.ServeHTTP(w, r)

	<-done
	full := <-received
	require.Equal(t, body, full)
	require.Equal(t, 200, w.Code)
}

func TestBridgeStreamsResponseBody(t *testing.T) {
	h := newHarness(t)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		msg, err := h.layer.Receive(ctx, []string{"http.request"}, true)
		require.NoError(h.t, err)
		var req msgs.Request
		require.NoError(h.t, channels.DecodeMessage(msg.Payload, &req))

		require.NoError(h.t, h.layer.Send(ctx, req.ReplyChannel, &msgs.Response{
			Status:      200,
			Content:     []byte("chunk-1-"),
			MoreContent: true,
		}))
		require.NoError(h.t, h.layer.Send(ctx, req.ReplyChannel, &msgs.ResponseBodyChunk{
			Content:     []byte("chunk-2-"),
			MoreContent: true,
		}))
		require.NoError(h.t, h.layer.Send(ctx, req.ReplyChannel, &msgs.ResponseBodyChunk{
			Content:     []byte("chunk-3"),
			MoreContent: false,
		}))
	}()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	h.srv.ServeHTTP(w, r)

	require.Equal(t, "chunk-1-chunk-2-chunk-3", w.Body.String())
}

func TestBridgeRejectsHTTP2(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.ProtoMajor, r.ProtoMinor = 2, 0
	h.srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusHTTPVersionNotSupported, w.Code)
}

func TestBridgeReturnsErrorPageWhenNoResponder(t *testing.T) {
	h := newHarness(t)
	// No goroutine ever answers http.request — the pump's WaitForReply
	// will keep waiting until the request's own context is cancelled.
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
	defer cancel()
	r = r.WithContext(ctx)

	h.srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "500")
}

