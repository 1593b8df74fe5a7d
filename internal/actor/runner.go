package actor

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"reading-service/internal/domain"
	"reading-service/internal/provider"
)

const (
	cancelledMessage      = "Reading cancelled."
	streamEndedMessage    = "streaming ended unexpectedly"
	genericUpstreamErrMsg = "generation failed"
	restartInterruptedMsg = "generation interrupted by restart"
)

// runGeneration drives exactly one generation call and normalizes its output
// into log events. It runs as a background goroutine outliving the start
// request; the actor tracks it through its WaitGroup.
//
// A cancelled context is a clean exit, never a new failure: the cancel
// operation already appended the terminal error event.
func (a *Actor) runGeneration(ctx context.Context, payload json.RawMessage) {
	defer a.wg.Done()

	out, err := a.gen.Generate(ctx, payload)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.logger.Error().Err(err).Msg("runner: generation call failed")
		a.appendFromRunner(domain.EventError, domain.ErrorData(upstreamMessage(err)))
		return
	}

	if out.Stream == nil {
		a.emitSingle(out)
		return
	}
	a.drainStream(ctx, out.Stream)
}

// emitSingle handles a collaborator that returned one complete response:
// a meta event with the routing info, then the done event with the result.
func (a *Actor) emitSingle(out *provider.Outcome) {
	meta := out.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	result := out.Result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	a.appendFromRunner(domain.EventMeta, meta)
	a.appendFromRunner(domain.EventDone, result)
}

// drainStream reads blocks until a terminal event, EOF, or cancellation.
// Malformed blocks are skipped; a stream that ends with no terminal event
// yields a synthetic error.
func (a *Actor) drainStream(ctx context.Context, stream provider.BlockStream) {
	defer func() {
		if err := stream.Close(); err != nil {
			a.logger.Debug().Err(err).Msg("runner: stream close failed")
		}
	}()

	for {
		blk, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return
			}
			a.logger.Error().Err(err).Msg("runner: stream read failed")
			a.appendFromRunner(domain.EventError, domain.ErrorData(upstreamMessage(err)))
			return
		}

		t := domain.EventType(blk.Type)
		if !t.Known() || (len(blk.Data) > 0 && !json.Valid(blk.Data)) {
			a.logger.Debug().Str("block_type", blk.Type).Msg("runner: skipping malformed block")
			continue
		}

		appended := a.appendFromRunner(t, blk.Data)
		if !appended {
			// The job left the running state underneath us; stop reading.
			return
		}
		if t.Terminal() {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	a.appendFromRunner(domain.EventError, domain.ErrorData(streamEndedMessage))
}

func upstreamMessage(err error) string {
	if err == nil || err.Error() == "" {
		return genericUpstreamErrMsg
	}
	return err.Error()
}
