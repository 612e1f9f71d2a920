package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	tests := []struct {
		queue   string
		op      string
		payload any
	}{
		{QueueCollectionRequests, OpWakeUp,
			WakeUpPayload{Trigger: "cron", TemplateName: "tech"}},
		{QueueGenerateMarkdown, OpGenerateMarkdown,
			GenerateMarkdownPayload{ContentType: "json", BlobPath: "2026/08/24/a.json",
				ArticleID: "article_x", BatchID: "col-1", ContractVersion: ContractVersion}},
		{QueuePublishSite, OpPublishSiteRequest,
			PublishSitePayload{BatchID: "col-1", MarkdownCount: 3,
				MarkdownContainer: ContainerMarkdown, Trigger: "markdowngen",
				ContractVersion: ContractVersion}},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			env, err := NewEnvelope("sender", tt.op, "corr-1", tt.payload)
			require.NoError(t, err)
			require.NoError(t, env.ValidateOperation(tt.queue))

			data, err := json.Marshal(env)
			require.NoError(t, err)
			var back Envelope
			require.NoError(t, json.Unmarshal(data, &back))

			assert.Equal(t, env.MessageID, back.MessageID)
			assert.Equal(t, "corr-1", back.CorrelationID)
			assert.Equal(t, env.ServiceName, back.ServiceName)
			assert.Equal(t, env.Operation, back.Operation)
			assert.True(t, back.Timestamp.Equal(env.Timestamp))
			assert.JSONEq(t, string(env.Payload), string(back.Payload))
		})
	}
}

func TestEnvelope_UnknownPayloadFieldsSurvive(t *testing.T) {
	raw := []byte(`{"message_id":"m-1","correlation_id":"c-1",` +
		`"timestamp":"2026-08-24T12:00:00Z","service_name":"collector",` +
		`"operation":"wake_up","payload":{"trigger":"cron","shard_hint":7},` +
		`"dequeue_count":1}`)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, 1, env.DequeueCount)

	// Unknown payload fields are ignored on decode.
	var payload WakeUpPayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "cron", payload.Trigger)

	// They survive a receive/re-serialize round trip untouched.
	out, err := json.Marshal(&env)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"shard_hint":7`)
}

func TestEnvelope_ValidateOperation(t *testing.T) {
	env, err := NewEnvelope("collector", OpWakeUp, "", WakeUpPayload{Trigger: "cron"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.CorrelationID, "empty correlation ID is minted")

	assert.NoError(t, env.ValidateOperation(QueueCollectionRequests))
	assert.Error(t, env.ValidateOperation(QueueProcessTopic), "operations are queue-scoped")

	env.Operation = "drop_everything"
	assert.Error(t, env.ValidateOperation(QueueCollectionRequests))
}

func TestEnvelope_DecodePayloadMalformed(t *testing.T) {
	env := Envelope{Operation: OpWakeUp, Payload: json.RawMessage(`{not json`)}
	var payload WakeUpPayload
	assert.Error(t, env.DecodePayload(&payload))
}
