package rpc

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/blockstack/blockstackd-go/common"
	"github.com/blockstack/blockstackd-go/namedb"
	"github.com/blockstack/blockstackd-go/zonefile"
)

// methodRegistry is the explicit method table the spec calls for in place
// of reflection-based dispatch: one validated handler per RPC method name
// (spec.md §4.3's full surface).
func methodRegistry() map[string]methodFunc {
	return map[string]methodFunc{
		"ping":    mPing,
		"getinfo": mGetInfo,

		"get_name_blockchain_record":    mGetNameBlockchainRecord,
		"get_name_history_blocks":       mGetNameHistoryBlocks,
		"get_name_at":                   mGetNameAt,
		"get_historic_name_at":          mGetHistoricNameAt,
		"get_num_nameops_at":            mGetNumNameopsAt,
		"get_nameops_at":                mGetNameopsAt,
		"get_nameops_hash_at":           mGetNameopsHashAt,
		"get_names_owned_by_address":    mGetNamesOwnedByAddress,
		"get_historic_names_by_address": mGetHistoricNamesByAddress,

		"get_num_historic_names_by_address": mGetNumHistoricNamesByAddress,

		"get_name_cost":                 mGetNameCost,
		"get_namespace_cost":            mGetNamespaceCost,
		"get_namespace_blockchain_record": mGetNamespaceBlockchainRecord,

		"get_num_names":            mGetNumNames,
		"get_num_names_cumulative": mGetNumNamesCumulative,
		"get_all_names":            mGetAllNames,
		"get_all_names_cumulative": mGetAllNamesCumulative,
		"get_all_namespaces":       mGetAllNamespaces,

		"get_num_names_in_namespace": mGetNumNamesInNamespace,
		"get_names_in_namespace":     mGetNamesInNamespace,

		"get_consensus_at":       mGetConsensusAt,
		"get_consensus_hashes":   mGetConsensusHashes,
		"get_block_from_consensus": mGetBlockFromConsensus,

		"get_zonefiles":          mGetZonefiles,
		"put_zonefiles":          mPutZonefiles,
		"get_zonefiles_by_block": mGetZonefilesByBlock,

		"get_zonefile_inventory": mGetZonefileInventory,
	}
}

// callerMethodRegistry holds the handful of methods whose behavior depends
// on the caller's own reported host, kept out of methodRegistry's plain
// methodFunc table so the common case stays reflection-free and
// signature-stable.
func callerMethodRegistry() map[string]methodFuncWithCaller {
	return map[string]methodFuncWithCaller{
		"get_atlas_peers": mGetAtlasPeers,
	}
}

func (s *Server) openView() (*namedb.View, error) {
	return s.db.OpenView()
}

func withView(s *Server, fn func(v *namedb.View) (interface{}, error)) (interface{}, error) {
	v, err := s.openView()
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return fn(v)
}

func envelope(v *namedb.View, s *Server, extra map[string]interface{}) map[string]interface{} {
	e := map[string]interface{}{
		"status":    "alive",
		"indexing":  s.supervisor != nil && s.supervisor.IsIndexing(),
		"lastblock": v.LastBlock(),
	}
	for k, val := range extra {
		e[k] = val
	}
	return e
}

func mPing(s *Server, params []interface{}) (interface{}, error) {
	return map[string]interface{}{"status": "alive"}, nil
}

func mGetInfo(s *Server, params []interface{}) (interface{}, error) {
	return withView(s, func(v *namedb.View) (interface{}, error) {
		numZF := 0
		if s.atl != nil {
			numZF, _ = s.atl.NumZonefiles()
		}
		return envelope(v, s, map[string]interface{}{
			"zonefile_count": numZF,
			"counters":       common.Snapshot(),
		}), nil
	})
}

func mGetNameBlockchainRecord(s *Server, params []interface{}) (interface{}, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		rec, ok, err := v.GetName(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("name %q not found", name)
		}
		return envelope(v, s, map[string]interface{}{"record": rec}), nil
	})
}

func mGetNameHistoryBlocks(s *Server, params []interface{}) (interface{}, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		blocks, err := v.GetNameHistoryBlocks(name)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"history_blocks": blocks}), nil
	})
}

func getNameAtImpl(s *Server, params []interface{}, includeExpired bool) (interface{}, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	block, err := paramInt(params, 1)
	if err != nil {
		return nil, err
	}
	if err := validateBlockID(block); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		recs, err := v.GetNameAt(name, block, includeExpired)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"records": recs}), nil
	})
}

func mGetNameAt(s *Server, params []interface{}) (interface{}, error) {
	return getNameAtImpl(s, params, false)
}

func mGetHistoricNameAt(s *Server, params []interface{}) (interface{}, error) {
	return getNameAtImpl(s, params, true)
}

func mGetNumNameopsAt(s *Server, params []interface{}) (interface{}, error) {
	block, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateBlockID(block); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		n, err := v.GetNumNameOpsAt(block)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"count": n}), nil
	})
}

func mGetNameopsAt(s *Server, params []interface{}) (interface{}, error) {
	block, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateBlockID(block); err != nil {
		return nil, err
	}
	offset := int(optParamInt(params, 1, 0))
	count := int(optParamInt(params, 2, maxNameOpsPerPage))
	if err := validateOffset(offset); err != nil {
		return nil, err
	}
	if err := validateCount(count, maxNameOpsPerPage); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		ops, err := v.GetNameOpsAt(block, offset, count)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"nameops": ops}), nil
	})
}

func mGetNameopsHashAt(s *Server, params []interface{}) (interface{}, error) {
	block, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateBlockID(block); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		hash, ok, err := v.GetConsensusAt(block)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("no ops recorded at block %d", block)
		}
		return envelope(v, s, map[string]interface{}{"ops_hash": hash}), nil
	})
}

func mGetNamesOwnedByAddress(s *Server, params []interface{}) (interface{}, error) {
	addr, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateAddress(addr); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		names, err := v.GetNamesOwnedByAddress(addr)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"names": names}), nil
	})
}

func mGetHistoricNamesByAddress(s *Server, params []interface{}) (interface{}, error) {
	addr, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateAddress(addr); err != nil {
		return nil, err
	}
	offset := int(optParamInt(params, 1, 0))
	count := int(optParamInt(params, 2, 10))
	if err := validateOffset(offset); err != nil {
		return nil, err
	}
	if err := validateCount(count, 10); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		names, err := v.GetHistoricNamesByAddress(addr, offset, count)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"names": names}), nil
	})
}

func mGetNumHistoricNamesByAddress(s *Server, params []interface{}) (interface{}, error) {
	addr, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateAddress(addr); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		names, err := v.GetNamesOwnedByAddress(addr)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"count": len(names)}), nil
	})
}

// Pricing is deliberately simple: base + coeff * len(label), matching the
// namespace record's stored price function fields (spec.md §3 Namespace
// record, price_base/price_coeff). Full curve semantics belong to the
// external state engine's original opcode rules.
func mGetNameCost(s *Server, params []interface{}) (interface{}, error) {
	name, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		ns := namespaceOfName(name)
		nsRec, ok, err := v.GetNamespaceBlockchainRecord(ns)
		if err != nil {
			return nil, err
		}
		cost := int64(100000)
		if ok {
			label := strings.TrimSuffix(name, "."+ns)
			cost = nsRec.PriceBase + nsRec.PriceCoeff*int64(len(label))
		}
		return envelope(v, s, map[string]interface{}{"satoshis": cost}), nil
	})
}

// namespaceBasePrice is the numerator of the namespace pricing curve: cost
// scales inversely with namespace ID length (spec.md §4.3).
const namespaceBasePrice = 4000000000

func mGetNamespaceCost(s *Server, params []interface{}) (interface{}, error) {
	ns, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		_, exists, err := v.GetNamespaceBlockchainRecord(ns)
		if err != nil {
			return nil, err
		}
		cost := ceilDiv64(namespaceBasePrice, max64(1, int64(len(ns))))
		extra := map[string]interface{}{"satoshis": cost}
		if exists {
			extra["warning"] = "namespace already exists"
		}
		return envelope(v, s, extra), nil
	})
}

// ceilDiv64 divides a by b, rounding up — spec.md §4.3 requires both cost
// methods to round up rather than truncate.
func ceilDiv64(a, b int64) int64 {
	return (a + b - 1) / b
}

func mGetNamespaceBlockchainRecord(s *Server, params []interface{}) (interface{}, error) {
	ns, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		rec, ok, err := v.GetNamespaceBlockchainRecord(ns)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("namespace %q not found", ns)
		}
		return envelope(v, s, map[string]interface{}{"record": rec}), nil
	})
}

func mGetNumNames(s *Server, params []interface{}) (interface{}, error) {
	return withView(s, func(v *namedb.View) (interface{}, error) {
		n, err := v.GetNumNames()
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"count": n}), nil
	})
}

func mGetNumNamesCumulative(s *Server, params []interface{}) (interface{}, error) {
	return withView(s, func(v *namedb.View) (interface{}, error) {
		n, err := v.GetNumNamesCumulative()
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"count": n}), nil
	})
}

func pagedNames(s *Server, params []interface{}, fn func(v *namedb.View, offset, count int) ([]string, error)) (interface{}, error) {
	offset := int(optParamInt(params, 0, 0))
	count := int(optParamInt(params, 1, 100))
	if err := validateOffset(offset); err != nil {
		return nil, err
	}
	if err := validateCount(count, 100); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		names, err := fn(v, offset, count)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"names": names}), nil
	})
}

func mGetAllNames(s *Server, params []interface{}) (interface{}, error) {
	return pagedNames(s, params, (*namedb.View).GetAllNames)
}

func mGetAllNamesCumulative(s *Server, params []interface{}) (interface{}, error) {
	return pagedNames(s, params, (*namedb.View).GetAllNamesCumulative)
}

func mGetAllNamespaces(s *Server, params []interface{}) (interface{}, error) {
	return withView(s, func(v *namedb.View) (interface{}, error) {
		ns, err := v.GetAllNamespaces()
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"namespaces": ns}), nil
	})
}

func mGetNumNamesInNamespace(s *Server, params []interface{}) (interface{}, error) {
	ns, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		n, err := v.GetNumNamesInNamespace(ns)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"count": n}), nil
	})
}

func mGetNamesInNamespace(s *Server, params []interface{}) (interface{}, error) {
	ns, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	offset := int(optParamInt(params, 1, 0))
	count := int(optParamInt(params, 2, 100))
	if err := validateOffset(offset); err != nil {
		return nil, err
	}
	if err := validateCount(count, 100); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		names, err := v.GetNamesInNamespace(ns, offset, count)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"names": names}), nil
	})
}

func mGetConsensusAt(s *Server, params []interface{}) (interface{}, error) {
	block, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateBlockID(block); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		hash, ok, err := v.GetConsensusAt(block)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("no consensus hash at block %d", block)
		}
		return envelope(v, s, map[string]interface{}{"consensus_hash": hash}), nil
	})
}

func mGetConsensusHashes(s *Server, params []interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, errors.New("missing block list")
	}
	rawBlocks, ok := params[0].([]interface{})
	if !ok {
		return nil, errors.New("expected array of block heights")
	}
	if err := validateCount(len(rawBlocks), maxConsensusHashes); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		out := make(map[string]string, len(rawBlocks))
		for _, rb := range rawBlocks {
			block, err := coerceInt(rb)
			if err != nil {
				return nil, err
			}
			hash, ok, err := v.GetConsensusAt(block)
			if err != nil {
				return nil, err
			}
			if ok {
				out[formatBlock(block)] = hash
			}
		}
		return envelope(v, s, map[string]interface{}{"consensus_hashes": out}), nil
	})
}

func mGetBlockFromConsensus(s *Server, params []interface{}) (interface{}, error) {
	hash, err := paramString(params, 0)
	if err != nil {
		return nil, err
	}
	if err := validateConsensusHash(hash); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		block, ok, err := v.GetBlockFromConsensus(hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf("unknown consensus hash %q", hash)
		}
		return envelope(v, s, map[string]interface{}{"block_id": block}), nil
	})
}

func mGetZonefiles(s *Server, params []interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, errors.New("missing zonefile hash list")
	}
	rawHashes, ok := params[0].([]interface{})
	if !ok {
		return nil, errors.New("expected array of zonefile hashes")
	}
	if err := validateCount(len(rawHashes), maxZonefilesPerGet); err != nil {
		return nil, err
	}
	if s.atl == nil {
		return nil, errors.New("atlas subsystem unavailable")
	}
	out := make(map[string]string, len(rawHashes))
	for _, rh := range rawHashes {
		hash, ok := rh.(string)
		if !ok {
			return nil, errors.New("zonefile hash must be a string")
		}
		if err := validateValueHash(hash); err != nil {
			return nil, err
		}
		blob, found, err := s.atl.GetZonefile(hash)
		if err != nil {
			return nil, err
		}
		if found {
			out[hash] = string(blob)
		}
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		return envelope(v, s, map[string]interface{}{"zonefiles": out}), nil
	})
}

func mPutZonefiles(s *Server, params []interface{}) (interface{}, error) {
	if len(params) == 0 {
		return nil, errors.New("missing zonefile list")
	}
	rawBlobs, ok := params[0].([]interface{})
	if !ok {
		return nil, errors.New("expected array of zonefile blobs")
	}
	if err := validateCount(len(rawBlobs), maxZonefilesPerPut); err != nil {
		return nil, err
	}
	if s.atl == nil {
		return nil, errors.New("atlas subsystem unavailable")
	}

	return withView(s, func(v *namedb.View) (interface{}, error) {
		saved := make([]bool, len(rawBlobs))
		for i, rb := range rawBlobs {
			blob, ok := rb.(string)
			if !ok || len(blob) > RPCMaxZonefileLen {
				saved[i] = false
				continue
			}
			hash := zonefileHashOf(blob)
			// I2: only accept a blob whose hash was actually committed on
			// chain somewhere in the Name DB.
			txids, err := v.GetZonefileTxids(hash)
			if err != nil {
				return nil, err
			}
			if len(txids) == 0 {
				saved[i] = false
				continue
			}
			if err := s.atl.PutZonefile(hash, []byte(blob)); err != nil {
				saved[i] = false
				continue
			}
			saved[i] = true
		}
		return envelope(v, s, map[string]interface{}{"saved": saved}), nil
	})
}

func mGetZonefilesByBlock(s *Server, params []interface{}) (interface{}, error) {
	from, err := paramInt(params, 0)
	if err != nil {
		return nil, err
	}
	to, err := paramInt(params, 1)
	if err != nil {
		return nil, err
	}
	offset := int(optParamInt(params, 2, 0))
	count := int(optParamInt(params, 3, 100))
	if err := validateOffset(offset); err != nil {
		return nil, err
	}
	if err := validateCount(count, 100); err != nil {
		return nil, err
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		commitments, err := v.GetZonefileCommitmentsByBlockRange(from, to, offset, count)
		if err != nil {
			return nil, err
		}
		return envelope(v, s, map[string]interface{}{"zonefile_info": commitments}), nil
	})
}

// mGetAtlasPeers serves get_atlas_peers (spec.md §4.5): live neighbors
// relative to the caller's reported host, shuffled and truncated to
// MaxNeighbors (and, defensively, to maxAtlasPeersPerGet) when the live set
// is larger. callerHost is threaded in by handleRPC from the connection's
// remote address, not an RPC parameter.
func mGetAtlasPeers(s *Server, params []interface{}, callerHost string) (interface{}, error) {
	if s.atl == nil {
		return nil, errors.New("atlas subsystem unavailable")
	}
	peers := s.atl.PeersForCaller(callerHost)
	if len(peers) > maxAtlasPeersPerGet {
		peers = peers[:maxAtlasPeersPerGet]
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Host)
	}
	return withView(s, func(v *namedb.View) (interface{}, error) {
		return envelope(v, s, map[string]interface{}{"peers": out}), nil
	})
}

func mGetZonefileInventory(s *Server, params []interface{}) (interface{}, error) {
	offset := int(optParamInt(params, 0, 0))
	length := int(optParamInt(params, 1, maxInventoryBits))
	if err := validateCount(length, maxInventoryBits); err != nil {
		return nil, err
	}
	if s.atl == nil {
		return nil, errors.New("atlas subsystem unavailable")
	}
	bitmap := s.atl.GetZonefileInventory(offset, length)
	return withView(s, func(v *namedb.View) (interface{}, error) {
		return envelope(v, s, map[string]interface{}{"inv": bitmap}), nil
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func coerceInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		var out int64
		for _, ch := range n {
			if ch < '0' || ch > '9' {
				return 0, errors.Errorf("invalid block height %q", n)
			}
			out = out*10 + int64(ch-'0')
		}
		return out, nil
	default:
		return 0, errors.Errorf("expected int, got %T", v)
	}
}

func formatBlock(block int64) string {
	return strconv.FormatInt(block, 10)
}

// namespaceOfName splits "<label>.<namespace_id>" per the glossary's name
// grammar — duplicated from namedb's unexported helper since that package
// does not export it.
func namespaceOfName(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

func zonefileHashOf(blob string) string {
	return zonefile.Hash([]byte(blob))
}
