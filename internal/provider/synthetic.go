package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Synthetic is the offline generator used when no API key is configured. It
// streams a deterministic response derived from the payload so the full
// pipeline stays exercisable in local and CI environments.
type Synthetic struct {
	model string
}

func NewSynthetic(model string) *Synthetic {
	if model == "" {
		model = "synthetic"
	}
	return &Synthetic{model: model}
}

func (s *Synthetic) Generate(_ context.Context, payload json.RawMessage) (*Outcome, error) {
	meta, _ := json.Marshal(map[string]string{
		"model":    s.model,
		"provider": "synthetic",
	})

	text := syntheticText(payload)
	words := strings.Fields(text)

	blocks := make([]Block, 0, len(words)+2)
	blocks = append(blocks, Block{Type: "meta", Data: meta})
	for _, w := range words {
		data, _ := json.Marshal(map[string]string{"text": w + " "})
		blocks = append(blocks, Block{Type: "chunk", Data: data})
	}
	result, _ := json.Marshal(map[string]string{"text": text})
	blocks = append(blocks, Block{Type: "done", Data: result})

	return &Outcome{Stream: &sliceStream{blocks: blocks}}, nil
}

func syntheticText(payload json.RawMessage) string {
	var in map[string]any
	if err := json.Unmarshal(payload, &in); err == nil {
		for _, key := range []string{"q", "prompt", "question"} {
			if v, ok := in[key].(string); ok && v != "" {
				return fmt.Sprintf("You asked: %s. The cards suggest patience.", v)
			}
		}
	}
	return "The cards suggest patience."
}

type sliceStream struct {
	blocks []Block
	pos    int
}

func (s *sliceStream) Next(ctx context.Context) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	if s.pos >= len(s.blocks) {
		return Block{}, io.EOF
	}
	blk := s.blocks[s.pos]
	s.pos++
	return blk, nil
}

func (s *sliceStream) Close() error { return nil }
