package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/go-redis/redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisBroker(t *testing.T) Broker {
	mr := miniredis.RunT(t)
	client := rd.NewUniversalClient(&rd.UniversalOptions{Addrs: []string{mr.Addr()}})
	b := NewRedisBroker(client, "test", WithBlock(50*time.Millisecond), WithMaxLen(1000))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newMemoryBroker(t *testing.T) Broker {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBroker(t *testing.T) {
	for name, newBroker := range map[string]func(t *testing.T) Broker{
		"memory": newMemoryBroker,
		"redis":  newRedisBroker,
	} {
		for scenario, fn := range map[string]func(t *testing.T, b Broker){
			"publish and receive in order": testPublishReceive,
			"nack redelivers":              testNackRedelivers,
			"groups read independently":    testGroups,
			"receive honours context":      testReceiveContext,
			"settle once":                  testSettleOnce,
		} {
			t.Run(name+"/"+scenario, func(t *testing.T) {
				fn(t, newBroker(t))
			})
		}
	}
}

func msg(id string) Message {
	return Message{
		ID:      id,
		Topic:   "outcomes",
		Key:     "wf-1",
		Headers: map[string]string{"eventType": "WORKFLOW_COMPLETED"},
		Payload: []byte(`{"outcome":"APPROVED"}`),
	}
}

func receive(t *testing.T, s Subscriber) Delivery {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := s.Receive(ctx)
	require.NoError(t, err)
	return d
}

func subscribe(t *testing.T, b Broker, group string) Subscriber {
	s, err := b.Subscribe(context.Background(), Subscription{Topic: "outcomes", Group: group, Consumer: "c-1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPublishReceive(t *testing.T, b Broker) {
	ctx := context.Background()
	s := subscribe(t, b, "g")
	require.NoError(t, b.Publish(ctx, msg("e-1")))
	require.NoError(t, b.Publish(ctx, msg("e-2")))

	d := receive(t, s)
	require.Equal(t, msg("e-1"), d.Message())
	require.NoError(t, d.Ack(ctx))
	d = receive(t, s)
	require.Equal(t, "e-2", d.Message().ID)
	require.NoError(t, d.Ack(ctx))
}

func testNackRedelivers(t *testing.T, b Broker) {
	ctx := context.Background()
	s := subscribe(t, b, "g")
	require.NoError(t, b.Publish(ctx, msg("e-1")))
	require.NoError(t, b.Publish(ctx, msg("e-2")))

	d := receive(t, s)
	require.Equal(t, "e-1", d.Message().ID)
	require.NoError(t, d.Nack(ctx, errors.New("store down")))

	d = receive(t, s)
	require.Equal(t, "e-1", d.Message().ID)
	require.NoError(t, d.Ack(ctx))
	d = receive(t, s)
	require.Equal(t, "e-2", d.Message().ID)
	require.NoError(t, d.Ack(ctx))
}

func testGroups(t *testing.T, b Broker) {
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, msg("e-1")))
	first := subscribe(t, b, "billing")
	second := subscribe(t, b, "crm")

	for _, s := range []Subscriber{first, second} {
		d := receive(t, s)
		require.Equal(t, "e-1", d.Message().ID)
		require.NoError(t, d.Ack(ctx))
	}
}

func testReceiveContext(t *testing.T, b Broker) {
	s := subscribe(t, b, "g")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func testSettleOnce(t *testing.T, b Broker) {
	ctx := context.Background()
	s := subscribe(t, b, "g")
	require.NoError(t, b.Publish(ctx, msg("e-1")))
	d := receive(t, s)
	require.NoError(t, d.Ack(ctx))
	require.Error(t, d.Ack(ctx))
	require.Error(t, d.Nack(ctx, nil))
}

func TestMemoryBrokerPublished(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), msg("e-1")))
	require.Len(t, b.Published("outcomes"), 1)
	require.Empty(t, b.Published("other"))
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(context.Background(), msg("e-2")), ErrClosed)
}
