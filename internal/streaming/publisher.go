package streaming

import (
	"context"

	"github.com/flowstack/conductor/internal/turn"
)

// TurnPublisher adapts a Hub to turn.Publisher, fanning each Chunk out to
// both the conversation's lifecycle topic (runtime events, completion) and
// its dedicated streaming topic (text deltas).
type TurnPublisher struct {
	hub *Hub
}

// NewTurnPublisher builds a turn.Publisher backed by hub.
func NewTurnPublisher(hub *Hub) *TurnPublisher {
	return &TurnPublisher{hub: hub}
}

func (p *TurnPublisher) Publish(ctx context.Context, conversationID string, chunk turn.Chunk) {
	switch {
	case chunk.Err != nil:
		p.hub.Publish(ConvTopic(conversationID), EventTypeStatus, map[string]any{"error": chunk.Err.Error()})
	case chunk.Event != nil:
		p.hub.Publish(ConvTopic(conversationID), EventTypeRuntimeEvent, chunk.Event)
	case chunk.Done:
		p.hub.Publish(ConvTopic(conversationID), EventTypeStatus, map[string]any{"done": true})
	case chunk.Text != "":
		p.hub.Publish(ConvStreamTopic(conversationID), EventTypeChunk, chunk.Text)
	}
}

var _ turn.Publisher = (*TurnPublisher)(nil)
