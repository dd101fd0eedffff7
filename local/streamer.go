package local

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessageStreamer abstracts the Messages API so lanes can be tested with a
// mock. Production code passes the real client.Messages.
type MessageStreamer interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

type messageServiceAdapter struct {
	svc *anthropic.MessageService
}

func (a *messageServiceAdapter) NewStreaming(ctx context.Context, params anthropic.MessageNewParams) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	return a.svc.NewStreaming(ctx, params)
}

// NewMessageStreamer wraps a real anthropic.MessageService.
func NewMessageStreamer(svc *anthropic.MessageService) MessageStreamer {
	return &messageServiceAdapter{svc: svc}
}

// complete streams one response and accumulates it into a Message.
func complete(ctx context.Context, s MessageStreamer, params anthropic.MessageNewParams) (anthropic.Message, error) {
	stream := s.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		if err := msg.Accumulate(stream.Current()); err != nil {
			return msg, err
		}
	}
	if err := stream.Err(); err != nil {
		return msg, err
	}
	return msg, ctx.Err()
}
