// Package stateengine is a reference implementation of the State Engine
// collaborator (spec.md §2 item 3, explicitly external/out of scope for
// consensus correctness). The Indexing Supervisor only needs something that
// satisfies Sync/LastBlock/Canonicalize against a namedb.Store — full
// opcode-parsing semantics for registrations, renewals, transfers, and
// namespace reveals are not this repo's concern, so this engine recognizes
// a minimal, explicit opcode set sufficient to exercise every namedb write
// path and let the rest of the system (RPC, Atlas, GC) run end to end.
//
// Grounded on the teacher's blockchain/ package shape: a Sync loop that
// pulls blocks through an adapter and applies state transitions one block
// at a time, journalled so a crash mid-block never leaves a half-applied
// batch (blockchain/state_transition.go's one-block-at-a-time commit
// pattern, generalized from EVM state transitions to name-record mutations).
package stateengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/blockstack/blockstackd-go/chainclient"
	blocklog "github.com/blockstack/blockstackd-go/log"
	"github.com/blockstack/blockstackd-go/namedb"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleIndexer)

// Opcode tags recognized in a transaction's null-data payload, a JSON
// object whose "opcode" field names the operation — a stand-in for the real wire format (burn-address
// encodings, OP_RETURN byte layout) that original_source/blockstackd.py's
// virtualchain op-parser implements in full.
const (
	OpNameRegistration = "NAME_REGISTRATION"
	OpNameRenewal      = "NAME_RENEWAL"
	OpNameTransfer     = "NAME_TRANSFER"
	OpNamespaceReveal  = "NAMESPACE_REVEAL"
	OpNamespaceReady   = "NAMESPACE_READY"
)

type payload struct {
	Opcode      string `json:"opcode"`
	Name        string `json:"name,omitempty"`
	Address     string `json:"address,omitempty"`
	NamespaceID string `json:"namespace_id,omitempty"`
	Lifetime    int64  `json:"lifetime,omitempty"`
	GracePeriod int64  `json:"grace_period,omitempty"`
	PriceBase   int64  `json:"base,omitempty"`
	PriceCoeff  int64  `json:"coeff,omitempty"`
	ValueHash   string `json:"value_hash,omitempty"`
}

// Filter accepts a transaction if it carries a well-formed opcode payload.
// This is the Transaction Filter contract (spec.md §4.1): pure,
// chain-state-free, operating only on the raw tx.
func Filter(tx chainclient.RawTx) bool {
	if !tx.HasNullData() {
		return false
	}
	raw, err := tx.DecodedNullData()
	if err != nil {
		return false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	switch p.Opcode {
	case OpNameRegistration, OpNameRenewal, OpNameTransfer, OpNamespaceReveal, OpNamespaceReady:
		return true
	default:
		return false
	}
}

// Engine replays filtered transactions into a namedb.Store, one block at a
// time.
type Engine struct {
	db *namedb.Store
}

func New(db *namedb.Store) *Engine {
	return &Engine{db: db}
}

// LastBlock exposes the underlying store's watermark (I3).
func (e *Engine) LastBlock() int64 { return e.db.LastBlock() }

// Sync advances state by exactly one block: fetch its transactions, filter,
// apply, compute a consensus hash, and commit atomically. Returns the
// number of operations applied.
func (e *Engine) Sync(ctx context.Context, adapter chainclient.Adapter, block int64) (int, error) {
	txs, err := adapter.BlockTransactions(ctx, block)
	if err != nil {
		return 0, errors.Wrapf(err, "fetch block %d", block)
	}

	batch := e.db.NewBatch(block)
	applied := 0
	var opHashes []string

	for _, tx := range txs {
		if !Filter(tx) {
			continue
		}
		raw, err := tx.DecodedNullData()
		if err != nil {
			continue
		}
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}

		if err := e.applyOp(batch, block, tx.TxID, &p); err != nil {
			logger.Warn("skipping malformed op", "txid", tx.TxID, "err", err.Error())
			continue
		}
		applied++
		opHashes = append(opHashes, tx.TxID)
	}

	batch.PutConsensusHash(block, consensusHash(block, opHashes))

	if err := batch.Commit(); err != nil {
		return 0, errors.Wrapf(err, "commit block %d", block)
	}
	return applied, nil
}

func (e *Engine) applyOp(batch *namedb.Batch, block int64, txid string, p *payload) error {
	switch p.Opcode {
	case OpNameRegistration, OpNameRenewal, OpNameTransfer:
		if p.Name == "" || p.Address == "" {
			return errors.New("missing name/address")
		}
		rec := &namedb.NameRecord{
			Name:         p.Name,
			Namespace:    namespaceOf(p.Name),
			Address:      p.Address,
			LastModified: block,
			Opcode:       p.Opcode,
		}
		return batch.PutName(rec)

	case OpNamespaceReveal:
		if p.NamespaceID == "" {
			return errors.New("missing namespace_id")
		}
		return batch.PutNamespaceReveal(&namedb.NamespaceRecord{
			NamespaceID: p.NamespaceID,
			Lifetime:    p.Lifetime,
			GracePeriod: p.GracePeriod,
			PriceBase:   p.PriceBase,
			PriceCoeff:  p.PriceCoeff,
			Ready:       false,
		})

	case OpNamespaceReady:
		if p.NamespaceID == "" {
			return errors.New("missing namespace_id")
		}
		return batch.PutNamespace(&namedb.NamespaceRecord{
			NamespaceID: p.NamespaceID,
			Lifetime:    p.Lifetime,
			GracePeriod: p.GracePeriod,
			PriceBase:   p.PriceBase,
			PriceCoeff:  p.PriceCoeff,
			Ready:       true,
		})

	default:
		return errors.Errorf("unhandled opcode %q", p.Opcode)
	}
}

// Canonicalize computes the consensus hash for a block from its height and
// ordered txid list, the same function Sync uses, so the RPC-facing value
// (P3/P4) can be re-derived without rerunning the engine — used by verifydb.
func Canonicalize(block int64, txids []string) string {
	return consensusHash(block, txids)
}

// consensusHash follows virtualchain's snapshot convention: a 20-byte
// (40 hex char) digest, the same length as a Bitcoin hash160, produced by
// running sha256 then ripemd160 over the zero-padded block height followed
// by the block's ordered txid list.
func consensusHash(block int64, txids []string) string {
	sha := sha256.New()
	fmt.Fprintf(sha, "%020d", block)
	for _, t := range txids {
		sha.Write([]byte(t))
	}

	r := ripemd160.New()
	r.Write(sha.Sum(nil))
	return hex.EncodeToString(r.Sum(nil))
}

func namespaceOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
