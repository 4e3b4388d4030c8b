package switchboard

import (
	"context"

	"switchboard/internal/dc"
)

// dcClientAdapter adapts the public InferenceClient (and its Request/
// Response/Stream types) onto internal/dc's minimal structural types, so
// internal/dc never needs to import the root package.
type dcClientAdapter struct {
	inner InferenceClient
}

func toDCRequest(r Request) dc.Request {
	msgs := make([]dc.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = dc.Message{Role: m.Role, Content: m.Content}
	}
	return dc.Request{
		Model:     r.Model,
		Messages:  msgs,
		Stream:    r.Stream,
		MaxTokens: r.MaxTokens,
		Extra:     r.Extra,
	}
}

func fromDCUsage(u dc.Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toDCUsage(u Usage) dc.Usage {
	return dc.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CachedTokens:     u.CachedTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func (a *dcClientAdapter) Complete(ctx context.Context, req dc.Request) (*dc.Response, error) {
	resp, err := a.inner.Complete(ctx, fromDCRequest(req))
	if err != nil {
		return nil, err
	}
	return &dc.Response{Content: resp.Content, Usage: toDCUsage(resp.Usage), Raw: resp.Raw}, nil
}

func (a *dcClientAdapter) CompleteStream(ctx context.Context, req dc.Request) (<-chan dc.StreamChunk, error) {
	stream, err := a.inner.CompleteStream(ctx, fromDCRequest(req))
	if err != nil {
		return nil, err
	}
	out := make(chan dc.StreamChunk)
	go func() {
		defer close(out)
		for {
			chunk, ok := stream.Next(ctx)
			if !ok {
				return
			}
			dcChunk := dc.StreamChunk{Delta: chunk.Delta, Raw: chunk.Raw, Err: chunk.Err}
			if chunk.Usage != nil {
				u := toDCUsage(*chunk.Usage)
				dcChunk.Usage = &u
			}
			select {
			case out <- dcChunk:
			case <-ctx.Done():
				return
			}
			if chunk.Err != nil {
				return
			}
		}
	}()
	return out, nil
}

func fromDCRequest(r dc.Request) Request {
	msgs := make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
	}
	return Request{
		Model:     r.Model,
		Messages:  msgs,
		Stream:    r.Stream,
		MaxTokens: r.MaxTokens,
		Extra:     r.Extra,
	}
}
