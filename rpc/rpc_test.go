package rpc

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockstack/blockstackd-go/atlas"
	"github.com/blockstack/blockstackd-go/namedb"
	"github.com/blockstack/blockstackd-go/zonefile"
)

func TestValidateName(t *testing.T) {
	assert.NoError(t, validateName("alice.id"))
	assert.Error(t, validateName("Alice.ID"))
	assert.Error(t, validateName("nodotatall"))
}

func TestValidateCountBounds(t *testing.T) {
	assert.NoError(t, validateCount(0, 10))
	assert.NoError(t, validateCount(10, 10))
	assert.Error(t, validateCount(11, 10))
	assert.Error(t, validateCount(-1, 10))
}

func TestValidateBlockIDBounds(t *testing.T) {
	require.NoError(t, os.Unsetenv(blockstackTestEnv))
	assert.Error(t, validateBlockID(FirstBlockMainnet-1))
	assert.NoError(t, validateBlockID(FirstBlockMainnet))
	assert.NoError(t, validateBlockID(maxBlockID))
	assert.Error(t, validateBlockID(maxBlockID+1))
}

func TestValidateBlockIDTestMode(t *testing.T) {
	require.NoError(t, os.Setenv(blockstackTestEnv, "1"))
	defer os.Unsetenv(blockstackTestEnv)
	assert.Error(t, validateBlockID(0))
	assert.NoError(t, validateBlockID(1))
	assert.NoError(t, validateBlockID(42))
}

func TestXMLRPCRoundTripStringParam(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<methodCall>
  <methodName>ping</methodName>
  <params>
    <param><value><string>hello</string></value></param>
    <param><value><int>42</int></value></param>
  </params>
</methodCall>`)

	method, params, err := decodeCall(body)
	require.NoError(t, err)
	assert.Equal(t, "ping", method)
	require.Len(t, params, 2)
	assert.Equal(t, "hello", params[0])
	assert.EqualValues(t, 42, params[1])
}

func TestEncodeResponseFault(t *testing.T) {
	out, err := encodeResponse(nil, assertErr("boom"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "boom")
	assert.Contains(t, string(out), "<fault>")
}

func TestEncodeResponseSuccessEnvelope(t *testing.T) {
	out, err := encodeResponse(map[string]interface{}{"status": "alive"}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "alive")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := namedb.Open("", 16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	zf, err := zonefile.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { zf.Close() })

	return New(db, nil, nil, nil)
}

func TestPingMethod(t *testing.T) {
	s := newTestServer(t)
	result, err := mPing(s, nil)
	require.NoError(t, err)
	assert.Equal(t, "alive", result.(map[string]interface{})["status"])
}

func TestGetNameBlockchainRecordNotFound(t *testing.T) {
	s := newTestServer(t)
	_, err := mGetNameBlockchainRecord(s, []interface{}{"nobody.id"})
	assert.Error(t, err)
}

func TestGetHistoricNamesByAddressRejectsOversizedCount(t *testing.T) {
	s := newTestServer(t)
	addr := strings.Repeat("a", 26)
	_, err := mGetHistoricNamesByAddress(s, []interface{}{addr, int64(0), int64(11)})
	assert.Error(t, err)
}

func TestGetZonefilesByBlockRejectsOversizedCount(t *testing.T) {
	s := newTestServer(t)
	_, err := mGetZonefilesByBlock(s, []interface{}{int64(1), int64(2), int64(0), int64(101)})
	assert.Error(t, err)
}

func TestGetNamespaceCostRoundsUpAndWarnsWhenExists(t *testing.T) {
	s := newTestServer(t)

	// namespaceBasePrice=4000000000 / len("abcd")=4 is exact (no rounding
	// needed) so use a namespace ID whose length does not divide evenly:
	// 4000000000 / 3 = 1333333333.33..., rounded up to 1333333334.
	res, err := mGetNamespaceCost(s, []interface{}{"abc"})
	require.NoError(t, err)
	envl := res.(map[string]interface{})
	assert.Equal(t, int64(1333333334), envl["satoshis"])
	_, hasWarning := envl["warning"]
	assert.False(t, hasWarning, "no warning expected when namespace does not exist")

	batch := s.db.NewBatch(1)
	require.NoError(t, batch.PutNamespace(&namedb.NamespaceRecord{NamespaceID: "abc", Ready: true}))
	require.NoError(t, batch.Commit())

	res, err = mGetNamespaceCost(s, []interface{}{"abc"})
	require.NoError(t, err)
	envl = res.(map[string]interface{})
	assert.Equal(t, "namespace already exists", envl["warning"])
}

func TestCeilDivRoundsUp(t *testing.T) {
	assert.EqualValues(t, 2, ceilDiv64(3, 2))
	assert.EqualValues(t, 1, ceilDiv64(4, 4))
	assert.EqualValues(t, 2, ceilDiv64(5, 4))
}

func TestGetAtlasPeersExcludesCaller(t *testing.T) {
	db, err := namedb.Open("", 16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	zf, err := zonefile.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { zf.Close() })

	atl := atlas.New(db, zf, atlas.Config{MaxNeighbors: 10})
	atl.EnqueuePeer("caller-host", 1)
	atl.EnqueuePeer("peer-a", 1)
	atl.EnqueuePeer("peer-b", 1)
	atl.EnqueuePeer("peer-c", 1)

	s := New(db, atl, nil, nil)
	res, err := mGetAtlasPeers(s, nil, "caller-host")
	require.NoError(t, err)

	peers := res.(map[string]interface{})["peers"].([]string)
	assert.Len(t, peers, 3, "caller excluded from its own neighbor list")
	for _, p := range peers {
		assert.NotEqual(t, "caller-host", p)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	reg := methodRegistry()
	_, ok := reg["not_a_real_method"]
	assert.False(t, ok)
}

func TestRequestBodyOverLimitRejected(t *testing.T) {
	assert.Greater(t, MaxRequestBody, 0)

	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/RPC2", bytes.NewReader(make([]byte, MaxRequestBody+1)))
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, rec.Body.Len())
}
