package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-tablestore/pkg/commitlog"
	"github.com/dd0wney/cluso-tablestore/pkg/config"
	"github.com/dd0wney/cluso-tablestore/pkg/logging"
	"github.com/dd0wney/cluso-tablestore/pkg/metrics"
)

func TestFlushSignaller_ReordersCompletions(t *testing.T) {
	log := &commitlog.CountingLog{}
	sig := newFlushSignaller(log, metrics.NewRegistry())
	go sig.run()

	pos := func(off int32) commitlog.ReplayPosition {
		return commitlog.ReplayPosition{Segment: 1, Offset: off}
	}
	// Flushes finish out of order; notifications must not.
	sig.submit(2, pos(3))
	sig.submit(1, pos(2))
	sig.submit(0, pos(1))
	sig.stop()

	flushed := log.Flushed()
	require.Len(t, flushed, 3)
	assert.Equal(t, []commitlog.ReplayPosition{pos(1), pos(2), pos(3)}, flushed)
}

func TestFlushSignaller_HoldsBackUntilPredecessorArrives(t *testing.T) {
	log := &commitlog.CountingLog{}
	sig := newFlushSignaller(log, metrics.NewRegistry())
	go sig.run()

	sig.submit(1, commitlog.ReplayPosition{Segment: 1, Offset: 2})
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(log.Flushed()) > 0 {
			t.Fatal("signal for seq 1 delivered before seq 0 completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sig.submit(0, commitlog.ReplayPosition{Segment: 1, Offset: 1})
	sig.stop()
	assert.Len(t, log.Flushed(), 2)
}

func TestFlushSignaller_SkipsNonePositions(t *testing.T) {
	log := &commitlog.CountingLog{}
	sig := newFlushSignaller(log, metrics.NewRegistry())
	go sig.run()

	sig.submit(0, commitlog.None)
	sig.submit(1, commitlog.ReplayPosition{Segment: 1, Offset: 1})
	sig.stop()

	flushed := log.Flushed()
	require.Len(t, flushed, 1)
	assert.Equal(t, commitlog.ReplayPosition{Segment: 1, Offset: 1}, flushed[0])
}

func TestStore_FlushNotifiesCommitLogInSwitchOrder(t *testing.T) {
	cfg := testConfig(t)
	log := &commitlog.CountingLog{Segment: 7}
	st, err := Open(Env{Config: cfg, CommitLog: log, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Apply(st.key("k"), liveRow(st.cmp, int64(i+1), "c", "v")))
		require.NoError(t, st.Flush())
	}

	flushed := log.Flushed()
	require.Len(t, flushed, 5)
	for i := 1; i < len(flushed); i++ {
		assert.Less(t, flushed[i-1].Compare(flushed[i]), 0,
			"flush notifications must arrive in replay position order")
	}
}

func TestStore_EmptyFlushStillNotifiesLog(t *testing.T) {
	cfg := testConfig(t)
	log := &commitlog.CountingLog{}
	st, err := Open(Env{Config: cfg, CommitLog: log, Logger: logging.NewNopLogger()})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Flush())

	assert.Empty(t, st.view.Load().SSTables())
	assert.Len(t, log.Flushed(), 1, "an empty memtable has nothing to replay; the log may discard")
}

func TestStore_ThresholdTriggersSwitch(t *testing.T) {
	st := newTestStore(t, func(c *config.Config) {
		c.MemtableThresholdBytes = 1 << 20
	})

	// ~2 MiB of writes against a 1 MiB threshold forces at least one switch.
	payload := make([]byte, 32<<10)
	for i := 0; i < 64; i++ {
		key := st.key(string(rune('a'+i%26)) + string(rune('0'+i/26)))
		row := liveRow(st.cmp, int64(i+1), "blob", string(payload))
		require.NoError(t, st.Apply(key, row))
	}
	require.NoError(t, st.Flush())

	assert.GreaterOrEqual(t, len(st.view.Load().SSTables()), 1)
	row, err := st.GetRow(st.key("a0"))
	require.NoError(t, err)
	assert.NotNil(t, row)
}
