package stateengine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockstack/blockstackd-go/chainclient"
	"github.com/blockstack/blockstackd-go/namedb"
)

func encodeOp(t *testing.T, p payload) string {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return hex.EncodeToString(raw)
}

func TestFilterAcceptsKnownOpcodes(t *testing.T) {
	tx := chainclient.RawTx{TxID: "t1", NullData: encodeOp(t, payload{Opcode: OpNameRegistration, Name: "a.id", Address: "addr"})}
	assert.True(t, Filter(tx))
}

func TestFilterRejectsUnknownOpcode(t *testing.T) {
	tx := chainclient.RawTx{TxID: "t1", NullData: encodeOp(t, payload{Opcode: "BOGUS"})}
	assert.False(t, Filter(tx))
}

func TestFilterRejectsEmptyNullData(t *testing.T) {
	tx := chainclient.RawTx{TxID: "t1"}
	assert.False(t, Filter(tx))
}

type fakeAdapter struct{ txs []chainclient.RawTx }

func (f *fakeAdapter) IndexRange(ctx context.Context) (*int64, *int64, error) { return nil, nil, nil }
func (f *fakeAdapter) BlockTransactions(ctx context.Context, block int64) ([]chainclient.RawTx, error) {
	return f.txs, nil
}
func (f *fakeAdapter) Close() error { return nil }

func TestSyncAppliesFilteredOpsAndSkipsNoise(t *testing.T) {
	db, err := namedb.Open("", 16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := &fakeAdapter{txs: []chainclient.RawTx{
		{TxID: "good", NullData: encodeOp(t, payload{Opcode: OpNameRegistration, Name: "a.id", Address: "addr1"})},
		{TxID: "noise"},
	}}

	engine := New(db)
	n, err := engine.Sync(context.Background(), adapter, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, engine.LastBlock())

	v, err := db.OpenView()
	require.NoError(t, err)
	defer v.Close()
	rec, ok, err := v.GetName("a.id")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "addr1", rec.Address)
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	h1 := Canonicalize(10, []string{"a", "b"})
	h2 := Canonicalize(10, []string{"a", "b"})
	h3 := Canonicalize(10, []string{"b", "a"})
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
