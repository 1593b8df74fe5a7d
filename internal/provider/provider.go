// Package provider defines the narrow interface the task runner uses to
// invoke the external content-generation collaborator, plus the client
// implementations behind it.
package provider

import (
	"context"
	"encoding/json"
)

// Block is one typed chunk from a streaming generation. Type matches the
// event types of the job log (meta, chunk, done, error); anything else is
// skipped by the runner.
type Block struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// BlockStream yields blocks until io.EOF. Implementations must honor context
// cancellation on Next so an aborted run stops promptly.
type BlockStream interface {
	Next(ctx context.Context) (Block, error)
	Close() error
}

// Outcome is either a single complete response (Stream nil, Result set) or an
// incremental stream (Stream non-nil). Meta carries routing/context
// information about the generation run, independent of the final result.
type Outcome struct {
	Meta   json.RawMessage
	Result json.RawMessage
	Stream BlockStream
}

// Generator is the generation collaborator. Generate blocks until the
// upstream responds or ctx is cancelled; for streaming responses the caller
// owns draining and closing Outcome.Stream.
type Generator interface {
	Generate(ctx context.Context, payload json.RawMessage) (*Outcome, error)
}
