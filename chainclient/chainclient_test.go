package chainclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasNullData(t *testing.T) {
	assert.True(t, RawTx{NullData: "deadbeef"}.HasNullData())
	assert.False(t, RawTx{}.HasNullData())
}

func TestDecodedNullData(t *testing.T) {
	tx := RawTx{NullData: "68656c6c6f"}
	raw, err := tx.DecodedNullData()
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
}

func TestDialRejectsEmptyURL(t *testing.T) {
	_, err := Dial(Options{})
	assert.Error(t, err)
}
