package delivery

import (
	"context"
	"time"

	"github.com/kokino/kokino/internal/broker/runner"
	"github.com/kokino/kokino/internal/broker/store"
)

// HeadlessProvider executes prompts through the runner's CLI pipeline.
type HeadlessProvider struct {
	runner *runner.Runner
}

// NewHeadlessProvider wraps the runner as a delivery provider.
func NewHeadlessProvider(r *runner.Runner) *HeadlessProvider {
	return &HeadlessProvider{runner: r}
}

func (p *HeadlessProvider) Mode() string { return ModeHeadless }

func (p *HeadlessProvider) Deliver(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	var meta store.Metadata
	if req.TicketID != "" {
		meta = store.Metadata{"ticketId": req.TicketID}
	}
	res, err := p.runner.ExecuteTurn(ctx, req.AgentID, runner.Options{
		Prompt:         req.Prompt,
		Timeout:        req.Timeout,
		ConversationID: req.ConversationID,
		Metadata:       meta,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Response:       res.Response,
		Mode:           ModeHeadless,
		DurationMs:     time.Since(start).Milliseconds(),
		ConversationID: res.ConversationID,
		SessionID:      res.SessionID,
	}, nil
}
