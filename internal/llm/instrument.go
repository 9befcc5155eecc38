package llm

import (
	"context"
	"time"

	"github.com/jusunglee/qaforge/internal/metrics"
)

type instrumentedClient struct {
	inner    Client
	provider string
	agent    string
}

// Instrument wraps c so every completion is counted and timed under the given
// provider and agent labels.
func Instrument(c Client, provider, agent string) Client {
	return &instrumentedClient{inner: c, provider: provider, agent: agent}
}

func (ic *instrumentedClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	start := time.Now()
	text, err := ic.inner.Complete(ctx, system, prompt)
	metrics.LLMRequestDuration.WithLabelValues(ic.provider).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.LLMRequestsTotal.WithLabelValues(ic.provider, ic.agent, status).Inc()
	return text, err
}
