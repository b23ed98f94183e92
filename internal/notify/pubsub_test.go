package notify_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/adverify/siteauditor/internal/audit"
	"github.com/adverify/siteauditor/internal/notify"
)

func newFakeClient(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPubSubTransport_PublishesNotification(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(t)

	topic, err := client.CreateTopic(ctx, "alerts")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "alerts-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	transport, err := notify.NewPubSub(ctx, client, "alerts", zap.NewNop())
	require.NoError(t, err)
	defer transport.Stop()

	alert := audit.Alert{
		ID:       "alert-1",
		Type:     "RISK_SPIKE",
		Severity: audit.SeverityHigh,
		Message:  "risk score jumped 30 points",
		Metadata: map[string]any{"delta": 30.0},
	}
	require.NoError(t, transport.Send(ctx, alert, "pub-1", "ops@adverify.test"))

	received := make(chan *pubsub.Message, 1)
	rctx, cancel := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(rctx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			received <- msg
			cancel()
		})
	}()

	msg := <-received
	require.Equal(t, "RISK_SPIKE", msg.Attributes["type"])
	require.Equal(t, "high", msg.Attributes["severity"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.Equal(t, "alert-1", body["alert_id"])
	require.Equal(t, "pub-1", body["publisher_id"])
	require.Equal(t, "ops@adverify.test", body["recipient"])
}

func TestNewPubSub_MissingTopic(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(t)

	_, err := notify.NewPubSub(ctx, client, "nope", zap.NewNop())
	require.ErrorContains(t, err, "does not exist")
}
