package feed

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwire/dropwire/internal/dropwire"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]*Config{
		"missing address": {Port: 4242},
		"negative port":   {Address: "127.0.0.1", Port: -1},
	}
	for name, cfg := range tests {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestSubscriberReceivesPublishedEvent(t *testing.T) {
	t.Parallel()

	m, err := New(&Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() { require.NoError(t, m.Stop()) }()

	conn, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return m.clientCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	published := dropwire.ChangeEvent{
		Type:           dropwire.EventInsert,
		PartitionKey:   "a/1.txt",
		ShardID:        "shard-0000",
		SequenceNumber: 7,
		NewImage: &dropwire.MetadataRecord{
			Key:        "a/1.txt",
			Attributes: map[string]string{dropwire.AttrOwner: "u1"},
		},
	}
	m.Publish(published)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan(), "expected one framed event line")

	var got dropwire.ChangeEvent
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, dropwire.EventInsert, got.Type)
	assert.Equal(t, "a/1.txt", got.PartitionKey)
	assert.Equal(t, uint64(7), got.SequenceNumber)
	require.NotNil(t, got.NewImage)
	assert.Equal(t, "u1", got.NewImage.Attribute(dropwire.AttrOwner))
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	t.Parallel()

	m, err := New(&Config{Address: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer func() { require.NoError(t, m.Stop()) }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < publishBuffer*2; i++ {
			m.Publish(dropwire.ChangeEvent{PartitionKey: "a/1.txt"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked with a full buffer")
	}
}
