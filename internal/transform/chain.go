package transform

import (
	"context"
	"fmt"

	"github.com/wxwire/bridge/internal/event"
)

// Chain applies transformers in order, each receiving the previous
// one's output. A typical pipeline chains NOAAPort parsing and XML
// extraction so CAP products come out as XML events and everything else
// as text products.
type Chain struct {
	id    string
	steps []Transformer
}

// NewChain returns a chain over steps, applied in the given order.
func NewChain(id string, steps ...Transformer) *Chain {
	if id == "" {
		id = "chain"
	}
	return &Chain{id: id, steps: steps}
}

func (t *Chain) ID() string { return t.id }

// Transform threads the event through every step. A step error aborts
// the chain; pass-through steps simply hand the event on.
func (t *Chain) Transform(ctx context.Context, ev *event.Event) (*event.Event, error) {
	out := ev
	for _, step := range t.steps {
		var err error
		out, err = step.Transform(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("transform: chain %s step %s: %w", t.id, step.ID(), err)
		}
	}
	return out, nil
}

// Steps exposes the chain's members for introspection in tests and
// startup logging.
func (t *Chain) Steps() []Transformer {
	return append([]Transformer(nil), t.steps...)
}
