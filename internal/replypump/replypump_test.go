package replypump

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/asgibridge/asgibridge/internal/channels"
)

func newTestPump(t *testing.T) (context.Context, context.CancelFunc, *Pump, channels.Layer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	layer := channels.NewRedisLayer(client, "asgi:", time.Minute, 50*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	pump := New(ctx, layer, log, nil)
	t.Cleanup(pump.Shutdown)

	return ctx, cancel, pump, layer
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWaitForReplySuccess(t *testing.T) {
	ctx, cancel, pump, layer := newTestPump(t)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = layer.Send(ctx, "http.response!abc", map[string]string{"status": "ok"})
	}()

	var out map[string]string
	err := pump.WaitForReply(ctx, "http.response!abc", &out)
	require.NoError(t, err)
	require.Equal(t, "ok", out["status"])
}

func TestWaitForReplyCancelledByContext(t *testing.T) {
	ctx, cancel, pump, _ := newTestPump(t)
	defer cancel()

	reqCtx, reqCancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer reqCancel()

	var out map[string]string
	err := pump.WaitForReply(reqCtx, "http.response!never-arrives", &out)
	require.Error(t, err)
}

// unregisteredReplyLayer makes every Receive also poll one channel the
// pump never registered, so a reply sent there reaches the pump's
// dispatch step; the pump itself only polls registered channels.
type unregisteredReplyLayer struct {
	channels.Layer
	extra string
}

func (l unregisteredReplyLayer) Receive(ctx context.Context, names []string, blocking bool) (*channels.Message, error) {
	return l.Layer.Receive(ctx, append(append([]string(nil), names...), l.extra), blocking)
}

func TestWaitForReplyFatalOnUnregisteredReply(t *testing.T) {
	ctx, cancel, _, layer := newTestPump(t)
	defer cancel()

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	pump := New(ctx, unregisteredReplyLayer{Layer: layer, extra: "http.response!orphan"}, log, nil)
	t.Cleanup(pump.Shutdown)

	// Send a reply on a channel nobody ever registered with the pump.
	require.NoError(t, layer.Send(ctx, "http.response!orphan", "payload"))

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()

	var out string
	err := pump.WaitForReply(waitCtx, "http.response!other", &out)
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return pump.Err() != nil
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateRegistrationIsFatalAndUnblocksBothWaiters(t *testing.T) {
	ctx, cancel, pump, _ := newTestPump(t)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		var out string
		errs <- pump.WaitForReply(ctx, "http.response!dup", &out)
	}()
	// Give the first WaitForReply time to register before the duplicate
	// comes in, so the pump sees two distinct registrations for the
	// same channel rather than racing to register first.
	time.Sleep(20 * time.Millisecond)
	go func() {
		var out string
		errs <- pump.WaitForReply(ctx, "http.response!dup", &out)
	}()

	first := <-errs
	second := <-errs
	require.Error(t, first)
	require.Error(t, second)
	require.Eventually(t, func() bool {
		return pump.Err() != nil
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	ctx, cancel, pump, _ := newTestPump(t)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		var out string
		errs <- pump.WaitForReply(ctx, "http.response!gone", &out)
	}()

	time.Sleep(20 * time.Millisecond)
	pump.Shutdown()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForReply did not unblock after Shutdown")
	}
}
