// Package replypump implements the reply pump: a single background
// goroutine that multiplexes many outstanding reply channels onto one
// polling loop over the channel layer, and dispatches each arriving
// reply to the one waiter that registered that channel.
package replypump

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/asgibridge/asgibridge/internal/channels"
)

// pollInterval is how long the pump sleeps after a non-blocking Receive
// comes back empty, to bound CPU use.
const pollInterval = 10 * time.Millisecond

type pumpResult struct {
	payload []byte
	err     error
}

type listenRequest struct {
	channel string
	result  chan pumpResult
}

// Pump is the reply pump: a shared handle onto the background worker
// started by New.
type Pump struct {
	inbound chan listenRequest
	done    chan struct{}
	fatal   chan error
	pending prometheus.Gauge
}

// New starts the pump's background goroutine polling layer and returns
// a handle to it. The pump owns layer for its entire lifetime — it must
// not be shared with anything else that also calls Receive on the same
// set of channel names, since the pump does not expect concurrent
// readers of its reply channels. pending, if non-nil, tracks the
// current count of registered reply channels.
func New(ctx context.Context, layer channels.Layer, log *logrus.Logger, pending prometheus.Gauge) *Pump {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pump{
		inbound: make(chan listenRequest),
		done:    make(chan struct{}),
		fatal:   make(chan error, 1),
		pending: pending,
	}
	go p.run(ctx, layer, log)
	return p
}

// WaitForReply registers channel with the pump and blocks until a
// reply arrives, the pump shuts down, or ctx is cancelled. On success
// the decoded reply is written into out (via channels.DecodeMessage).
func (p *Pump) WaitForReply(ctx context.Context, channel string, out any) error {
	resultCh := make(chan pumpResult, 1)

	select {
	case p.inbound <- listenRequest{channel: channel, result: resultCh}:
	case <-p.done:
		return &channels.ChannelError{Kind: channels.Cancelled}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return res.err
		}
		return channels.DecodeMessage(res.payload, out)
	case <-p.done:
		return &channels.ChannelError{Kind: channels.Cancelled}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the pump's goroutine and resolves every outstanding
// waiter with a Cancelled error. Safe to call more than once.
func (p *Pump) Shutdown() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Err returns the fatal error that shut the pump down, if any: a reply
// for a channel nothing registered, a duplicate registration for the
// same channel, or a failed Receive on the channel layer.
func (p *Pump) Err() error {
	select {
	case err := <-p.fatal:
		p.fatal <- err // put it back so repeat calls see it too
		return err
	default:
		return nil
	}
}

func (p *Pump) run(ctx context.Context, layer channels.Layer, log *logrus.Logger) {
	pending := make(map[string]chan pumpResult)

	defer func() {
		for ch, waiter := range pending {
			waiter <- pumpResult{err: &channels.ChannelError{Kind: channels.Cancelled}}
			delete(pending, ch)
		}
	}()

	for {
		if len(pending) == 0 {
			// Nothing to poll on — block until a Listen request arrives
			// or we're told to stop.
			select {
			case req := <-p.inbound:
				if !p.register(pending, req, log) {
					return
				}
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		// Drain any new Listen requests without blocking.
		drained := true
		for drained {
			select {
			case req := <-p.inbound:
				if !p.register(pending, req, log) {
					return
				}
			case <-p.done:
				return
			case <-ctx.Done():
				return
			default:
				drained = false
			}
		}

		keys := make([]string, 0, len(pending))
		for ch := range pending {
			keys = append(keys, ch)
		}

		msg, err := layer.Receive(ctx, keys, false)
		if err != nil {
			log.WithError(err).Error("reply pump: receive failed")
			p.failFatal(err, pending, log)
			return
		}
		if msg == nil {
			select {
			case <-time.After(pollInterval):
			case <-p.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		waiter, ok := pending[msg.Channel]
		if !ok {
			// A reply for a channel no waiter registered is a protocol
			// invariant violation, treated as fatal.
			err := fmt.Errorf("reply pump: received reply for unregistered channel %q", msg.Channel)
			log.Error(err)
			p.failFatal(err, pending, log)
			return
		}
		delete(pending, msg.Channel)
		p.setPending(len(pending))
		waiter <- pumpResult{payload: msg.Payload}
	}
}

// register applies a Listen request, enforcing the "one registration
// per reply channel" invariant: a second registration for a channel
// already being waited on is treated as fatal, since it would mean two
// callers racing for the same reply. Returns false if the pump should
// stop running.
func (p *Pump) register(pending map[string]chan pumpResult, req listenRequest, log *logrus.Logger) bool {
	if _, exists := pending[req.channel]; exists {
		err := fmt.Errorf("reply pump: duplicate registration for channel %q", req.channel)
		log.Error(err)
		req.result <- pumpResult{err: &channels.ChannelError{Kind: channels.Cancelled, Cause: err}}
		p.failFatal(err, pending, log)
		return false
	}
	pending[req.channel] = req.result
	p.setPending(len(pending))
	return true
}

func (p *Pump) setPending(n int) {
	if p.pending != nil {
		p.pending.Set(float64(n))
	}
}

func (p *Pump) failFatal(err error, pending map[string]chan pumpResult, log *logrus.Logger) {
	select {
	case p.fatal <- err:
	default:
	}
	for ch, waiter := range pending {
		waiter <- pumpResult{err: &channels.ChannelError{Kind: channels.Cancelled, Cause: err}}
		delete(pending, ch)
	}
	p.setPending(0)
	p.Shutdown()
}
