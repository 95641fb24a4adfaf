package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockstack/blockstackd-go/chainclient"
	"github.com/blockstack/blockstackd-go/namedb"
	"github.com/blockstack/blockstackd-go/stateengine"
)

type fakeAdapter struct {
	tip int64
	err error
}

func (f *fakeAdapter) IndexRange(ctx context.Context) (*int64, *int64, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	first := int64(0)
	return &first, &f.tip, nil
}

func (f *fakeAdapter) BlockTransactions(ctx context.Context, block int64) ([]chainclient.RawTx, error) {
	return nil, nil
}

func (f *fakeAdapter) Close() error { return nil }

func TestSyncPassAdvancesUpToConfirmationLag(t *testing.T) {
	db, err := namedb.Open("", 16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine := stateengine.New(db)
	adapter := &fakeAdapter{tip: NumConfirmations + 3}

	sup := New(func() (chainclient.Adapter, error) { return adapter, nil }, engine, nil)

	n, err := sup.syncPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 3, engine.LastBlock())
}

func TestSyncPassPropagatesDialError(t *testing.T) {
	db, err := namedb.Open("", 16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	engine := stateengine.New(db)
	sup := New(func() (chainclient.Adapter, error) { return nil, assertErr }, engine, nil)

	_, err = sup.syncPass(context.Background())
	assert.Error(t, err)
}

var assertErr = &staticErr{"dial failed"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }

func TestBackoffDoublesWithJitterAndCaps(t *testing.T) {
	wait := time.Second
	for i := 0; i < 20; i++ {
		next := nextBackoff(wait)
		want := wait * 2
		if want > maxBackoff {
			want = maxBackoff
		}
		assert.GreaterOrEqual(t, next, want)
		assert.LessOrEqual(t, next, maxBackoff)
		wait = next
	}
	assert.Equal(t, maxBackoff, wait)
}

func TestStopClearsRunningFlag(t *testing.T) {
	sup := &Supervisor{}
	sup.running = 1
	sup.Stop()
	assert.False(t, sup.IsRunning())
}
