package changelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropwire/dropwire/internal/dropwire"
)

func newTestLog(t *testing.T, shardCount int) *Log {
	t.Helper()
	l, err := New(&Config{ShardCount: shardCount, Retention: time.Hour, Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		l, err := New(&Config{})
		require.Error(t, err)
		require.Nil(t, l)
	})

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		l, err := New(&Config{ShardCount: 4, Retention: time.Minute, Path: t.TempDir()})
		require.NoError(t, err)
		require.NotNil(t, l)
		require.Len(t, l.Shards(), 4)
		require.NoError(t, l.Stop())
	})
}

func TestLog_Append(t *testing.T) {
	t.Parallel()

	t.Run("missing partition key", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		_, err := l.Append(dropwire.EventInsert, "", nil, nil)
		require.Error(t, err)
	})

	t.Run("sequence numbers increase per shard", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)

		for i := uint64(1); i <= 5; i++ {
			ev, err := l.Append(dropwire.EventInsert, "a/file.txt", nil, &dropwire.MetadataRecord{Key: "a/file.txt"})
			require.NoError(t, err)
			assert.Equal(t, i, ev.SequenceNumber)
			assert.Equal(t, "shard-0000", ev.ShardID)
		}
	})

	t.Run("same key always routes to the same shard", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 8)

		first, err := l.Append(dropwire.EventInsert, "sticky/key", nil, nil)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			ev, err := l.Append(dropwire.EventModify, "sticky/key", nil, nil)
			require.NoError(t, err)
			assert.Equal(t, first.ShardID, ev.ShardID)
		}
	})

	t.Run("images are copied, not aliased", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)

		rec := &dropwire.MetadataRecord{
			Key:        "k",
			Attributes: map[string]string{"owner": "u1"},
		}
		ev, err := l.Append(dropwire.EventInsert, "k", nil, rec)
		require.NoError(t, err)

		rec.Attributes["owner"] = "changed"
		assert.Equal(t, "u1", ev.NewImage.Attributes["owner"])
	})

	t.Run("observers see every append", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 2)

		var seen []dropwire.ChangeEvent
		l.Notify(func(ev dropwire.ChangeEvent) {
			seen = append(seen, ev)
		})

		_, err := l.Append(dropwire.EventInsert, "x", nil, nil)
		require.NoError(t, err)
		_, err = l.Append(dropwire.EventModify, "y", nil, nil)
		require.NoError(t, err)

		require.Len(t, seen, 2)
		assert.Equal(t, dropwire.EventInsert, seen[0].Type)
		assert.Equal(t, dropwire.EventModify, seen[1].Type)
	})
}

func TestLog_Iterators(t *testing.T) {
	t.Parallel()

	t.Run("unknown shard", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		_, err := l.GetShardIterator("shard-9999", PositionTrimHorizon, 0)
		require.ErrorIs(t, err, ErrShardNotFound)
	})

	t.Run("trim horizon reads from the oldest event", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		for i := 0; i < 3; i++ {
			_, err := l.Append(dropwire.EventInsert, "k", nil, nil)
			require.NoError(t, err)
		}

		it, err := l.GetShardIterator("shard-0000", PositionTrimHorizon, 0)
		require.NoError(t, err)

		events, next, err := l.GetRecords(it, 10)
		require.NoError(t, err)
		require.NotNil(t, next)
		require.Len(t, events, 3)
		assert.Equal(t, uint64(1), events[0].SequenceNumber)
	})

	t.Run("latest skips existing events", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		_, err := l.Append(dropwire.EventInsert, "k", nil, nil)
		require.NoError(t, err)

		it, err := l.GetShardIterator("shard-0000", PositionLatest, 0)
		require.NoError(t, err)

		events, next, err := l.GetRecords(it, 10)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Empty(t, events)

		_, err = l.Append(dropwire.EventInsert, "k", nil, nil)
		require.NoError(t, err)

		events, _, err = l.GetRecords(next, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(2), events[0].SequenceNumber)
	})

	t.Run("after sequence resumes past the checkpoint", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		for i := 0; i < 4; i++ {
			_, err := l.Append(dropwire.EventInsert, "k", nil, nil)
			require.NoError(t, err)
		}

		it, err := l.GetShardIterator("shard-0000", PositionAfterSequence, 2)
		require.NoError(t, err)

		events, _, err := l.GetRecords(it, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(3), events[0].SequenceNumber)
		assert.Equal(t, uint64(4), events[1].SequenceNumber)
	})

	t.Run("limit bounds the batch", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		for i := 0; i < 5; i++ {
			_, err := l.Append(dropwire.EventInsert, "k", nil, nil)
			require.NoError(t, err)
		}

		it, err := l.GetShardIterator("shard-0000", PositionTrimHorizon, 0)
		require.NoError(t, err)

		events, next, err := l.GetRecords(it, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)

		events, _, err = l.GetRecords(next, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(3), events[0].SequenceNumber)
	})
}

func TestLog_Retention(t *testing.T) {
	t.Parallel()

	t.Run("purge drops old events and expires iterators", func(t *testing.T) {
		t.Parallel()
		l, err := New(&Config{ShardCount: 1, Retention: time.Minute, Path: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Stop() })

		for i := 0; i < 3; i++ {
			_, err := l.Append(dropwire.EventInsert, "k", nil, nil)
			require.NoError(t, err)
		}

		it, err := l.GetShardIterator("shard-0000", PositionTrimHorizon, 0)
		require.NoError(t, err)

		// Everything was appended "now"; purging in the far future drops it all.
		purged := l.PurgeExpired(time.Now().Add(2 * time.Minute))
		assert.Equal(t, 3, purged)

		_, _, err = l.GetRecords(it, 10)
		require.ErrorIs(t, err, ErrExpiredIterator)

		_, err = l.GetShardIterator("shard-0000", PositionAfterSequence, 1)
		require.ErrorIs(t, err, ErrExpiredIterator)

		// A fresh TRIM_HORIZON iterator starts past the purged range.
		fresh, err := l.GetShardIterator("shard-0000", PositionTrimHorizon, 0)
		require.NoError(t, err)
		events, _, err := l.GetRecords(fresh, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("purge within retention keeps events", func(t *testing.T) {
		t.Parallel()
		l, err := New(&Config{ShardCount: 1, Retention: time.Hour, Path: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Stop() })

		_, err = l.Append(dropwire.EventInsert, "k", nil, nil)
		require.NoError(t, err)

		assert.Zero(t, l.PurgeExpired(time.Now()))
	})
}

func TestLog_Restart(t *testing.T) {
	t.Parallel()

	t.Run("events and sequences survive a reopen", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		cfg := &Config{ShardCount: 2, Retention: time.Hour, Path: dir}

		first, err := New(cfg)
		require.NoError(t, err)
		var last dropwire.ChangeEvent
		for i := 0; i < 3; i++ {
			last, err = appendInsert(first, "sticky/key")
			require.NoError(t, err)
		}
		require.NoError(t, first.Stop())

		second, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = second.Stop() })
		require.Len(t, second.Shards(), 2)

		// Routing and the sequence counter continue where the old process
		// stopped; a stale cursor at sequence 3 still points past real events.
		next, err := appendInsert(second, "sticky/key")
		require.NoError(t, err)
		assert.Equal(t, last.ShardID, next.ShardID)
		assert.Equal(t, last.SequenceNumber+1, next.SequenceNumber)

		it, err := second.GetShardIterator(last.ShardID, PositionTrimHorizon, 0)
		require.NoError(t, err)
		events, _, err := second.GetRecords(it, 10)
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, uint64(1), events[0].SequenceNumber)
		assert.Equal(t, uint64(4), events[3].SequenceNumber)
	})

	t.Run("splits and trim points survive a reopen", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		cfg := &Config{ShardCount: 1, Retention: time.Minute, Path: dir}

		first, err := New(cfg)
		require.NoError(t, err)
		_, err = appendInsert(first, "k1")
		require.NoError(t, err)
		_, err = first.SplitShard("shard-0000")
		require.NoError(t, err)
		afterSplit, err := appendInsert(first, "k2")
		require.NoError(t, err)
		assert.Equal(t, 2, first.PurgeExpired(time.Now().Add(2*time.Minute)))
		require.NoError(t, first.Stop())

		second, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = second.Stop() })

		infos := second.Shards()
		require.Len(t, infos, 3)
		assert.True(t, infos[0].Closed)
		assert.Equal(t, []string{"shard-0001", "shard-0002"}, second.ChildShards("shard-0000"))

		// Purged events stay purged.
		_, err = second.GetShardIterator(afterSplit.ShardID, PositionAfterSequence, 0)
		require.ErrorIs(t, err, ErrExpiredIterator)

		// Appends keep landing on the same child with the next sequence.
		again, err := appendInsert(second, "k2")
		require.NoError(t, err)
		assert.Equal(t, afterSplit.ShardID, again.ShardID)
		assert.Equal(t, afterSplit.SequenceNumber+1, again.SequenceNumber)
	})
}

func appendInsert(l *Log, key string) (dropwire.ChangeEvent, error) {
	return l.Append(dropwire.EventInsert, key, nil, &dropwire.MetadataRecord{Key: key})
}

func TestLog_SplitShard(t *testing.T) {
	t.Parallel()

	t.Run("unknown shard", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		_, err := l.SplitShard("shard-0042")
		require.ErrorIs(t, err, ErrShardNotFound)
	})

	t.Run("split closes the parent and creates children", func(t *testing.T) {
		t.Parallel()
		l := newTestLog(t, 1)
		_, err := l.Append(dropwire.EventInsert, "k", nil, nil)
		require.NoError(t, err)

		children, err := l.SplitShard("shard-0000")
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, children, l.ChildShards("shard-0000"))

		// Parent is closed and refuses splits.
		_, err = l.SplitShard("shard-0000")
		require.ErrorIs(t, err, ErrShardClosed)

		// New appends land on a child shard.
		ev, err := l.Append(dropwire.EventInsert, "k2", nil, nil)
		require.NoError(t, err)
		assert.Contains(t, children, ev.ShardID)

		// The parent still serves its retained events, then reports drained.
		it, err := l.GetShardIterator("shard-0000", PositionTrimHorizon, 0)
		require.NoError(t, err)
		events, next, err := l.GetRecords(it, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)

		events, next, err = l.GetRecords(next, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.Nil(t, next)
	})
}
