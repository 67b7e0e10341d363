package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

func TestAttributesForCompletionEvent(t *testing.T) {
	t.Parallel()

	ev := crawler.CompletionEvent{JobID: "j", TenantID: "T", Status: crawler.JobStatusFailed}
	require.Equal(t, map[string]string{"job_id": "j", "tenant_id": "T", "status": "failed"}, attributesFor(ev))
	require.Equal(t, attributesFor(ev), attributesFor(&ev))
	require.Empty(t, attributesFor("other"))
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := carrier{}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "events", crawler.CompletionEvent{})
	require.Error(t, err)
}
