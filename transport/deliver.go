package transport

import (
	"context"
	"errors"

	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/pipeline"
	"go.uber.org/zap"
)

// Pipeline is what transports hand envelopes to.
type Pipeline interface {
	SubmitEncrypted(raw []byte, serverDeliveryTimestamp uint64, source envelope.Source) (*pipeline.Completion, error)
}

// Outcome is what a transport reports back to whoever handed it an envelope.
type Outcome struct {
	Ack bool
	// Rejected is set when the envelope never made it into the queue.
	Rejected bool
	Err      error
}

// Deliver submits raw and waits for it to resolve. An envelope still pending when ctx ends is not acknowledged, so
// the sender will redeliver it.
func Deliver(ctx context.Context, p Pipeline, log *zap.SugaredLogger, raw []byte, serverDeliveryTimestamp uint64, source envelope.Source) *Outcome {
	c, err := p.SubmitEncrypted(raw, serverDeliveryTimestamp, source)
	return Await(ctx, log, source, c, err)
}

// Await finishes what Deliver starts, for transports that submit a batch before waiting on any of it. c and err are
// what SubmitEncrypted returned.
func Await(ctx context.Context, log *zap.SugaredLogger, source envelope.Source, c *pipeline.Completion, err error) *Outcome {
	if err != nil {
		return outcome(log, source, err, true)
	}
	err = c.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		log.Debugf("gave up waiting on envelope from %s: %v", source, err)
		return &Outcome{Ack: false, Err: err}
	}
	return outcome(log, source, err, false)
}

func outcome(log *zap.SugaredLogger, source envelope.Source, err error, rejected bool) *Outcome {
	behavior := pipeline.AckBehaviorFor(err)
	if err != nil && !pipeline.IsExpectedFailure(err) {
		log.Warnf("envelope from %s failed (%s): %v", source, behavior, err)
	}
	return &Outcome{Ack: behavior.ShouldAck(), Rejected: rejected, Err: err}
}
