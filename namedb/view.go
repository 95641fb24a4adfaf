package namedb

import (
	"encoding/json"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// View is a read-only, point-in-time handle onto the Name DB. RPC handlers
// open one at request entry and close it before replying (spec.md §4.3,
// §5) — backed by a leveldb snapshot so every query inside one RPC call
// observes a single consistent state even if the supervisor commits a new
// block concurrently.
type View struct {
	store     *Store
	snap      *leveldb.Snapshot
	lastblock int64
}

// OpenView snapshots the current Name DB state for one request.
func (s *Store) OpenView() (*View, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &View{store: s, snap: snap, lastblock: s.LastBlock()}, nil
}

// Close releases the snapshot. Safe to call once; RPC handlers must call
// it before returning, success or error.
func (v *View) Close() {
	v.snap.Release()
}

// LastBlock is the watermark this view was opened against.
func (v *View) LastBlock() int64 { return v.lastblock }

func (v *View) getJSON(key []byte, out interface{}) (bool, error) {
	data, err := v.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, out)
}

// GetName looks up a name's current record and applies expiry (I1).
func (v *View) GetName(name string) (*NameRecord, bool, error) {
	if c, ok := v.store.nameCache.Get(namedKey(name)); ok {
		rec := c.(*NameRecord)
		cp := *rec
		ns, _, _ := v.GetNamespace(namespaceOf(name))
		cp.ApplyExpiry(ns, v.lastblock)
		return &cp, true, nil
	}

	var rec NameRecord
	ok, err := v.getJSON(keyName(name), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	v.store.nameCache.Add(namedKey(name), &rec)
	ns, _, err := v.GetNamespace(namespaceOf(name))
	if err != nil {
		return nil, false, err
	}
	rec.ApplyExpiry(ns, v.lastblock)
	return &rec, true, nil
}

// GetNamespace returns the ready namespace record if one exists.
func (v *View) GetNamespace(id string) (*NamespaceRecord, bool, error) {
	if c, ok := v.store.namespaceCache.Get(namedKey("ns:" + id)); ok {
		rec := c.(*NamespaceRecord)
		return rec, true, nil
	}
	var rec NamespaceRecord
	ok, err := v.getJSON(keyNamespace(id), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	v.store.namespaceCache.Add(namedKey("ns:"+id), &rec)
	return &rec, true, nil
}

// GetNamespaceReveal returns the reveal-phase record (ready == false),
// used when no ready namespace exists yet.
func (v *View) GetNamespaceReveal(id string) (*NamespaceRecord, bool, error) {
	var rec NamespaceRecord
	ok, err := v.getJSON(keyNamespaceReveal(id), &rec)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &rec, true, nil
}

// GetNamespaceBlockchainRecord prefers the ready namespace and falls back
// to the reveal-phase record with Ready=false (SPEC_FULL.md §5.1).
func (v *View) GetNamespaceBlockchainRecord(id string) (*NamespaceRecord, bool, error) {
	if rec, ok, err := v.GetNamespace(id); err != nil || ok {
		return rec, ok, err
	}
	rec, ok, err := v.GetNamespaceReveal(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec.Ready = false
	return rec, true, nil
}

// GetNameHistoryBlocks returns every block height at which name changed
// state, in ascending order.
func (v *View) GetNameHistoryBlocks(name string) ([]int64, error) {
	prefix := keyHistPrefix(name)
	iter := v.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var blocks []int64
	for iter.Next() {
		key := string(iter.Key())
		blockStr := strings.TrimPrefix(key, string(prefix))
		var b int64
		for _, ch := range blockStr {
			if ch < '0' || ch > '9' {
				break
			}
			b = b*10 + int64(ch-'0')
		}
		blocks = append(blocks, b)
	}
	return blocks, iter.Error()
}

// GetNameAt returns every historic record of name as of exactly block,
// optionally excluding expired ones (get_name_at vs get_historic_name_at).
func (v *View) GetNameAt(name string, block int64, includeExpired bool) ([]*NameRecord, error) {
	var rec NameRecord
	ok, err := v.getJSON(keyHist(name, block), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	ns, _, err := v.GetNamespace(namespaceOf(name))
	if err != nil {
		return nil, err
	}
	rec.ApplyExpiry(ns, v.lastblock)
	if rec.Expired && !includeExpired {
		return nil, nil
	}
	return []*NameRecord{&rec}, nil
}

// GetNameOpsAt returns the paginated name ops recorded in block, in
// insertion order (stable per P5).
func (v *View) GetNameOpsAt(block int64, offset, count int) ([]*NameRecord, error) {
	prefix := keyBlockOpsPrefix(block)
	iter := v.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var out []*NameRecord
	idx := 0
	for iter.Next() {
		if idx < offset {
			idx++
			continue
		}
		if len(out) >= count {
			break
		}
		var rec NameRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
		idx++
	}
	return out, iter.Error()
}

// GetNumNameOpsAt counts the name ops recorded in block.
func (v *View) GetNumNameOpsAt(block int64) (int, error) {
	prefix := keyBlockOpsPrefix(block)
	iter := v.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// GetNamesOwnedByAddress returns every name currently indexed under addr.
func (v *View) GetNamesOwnedByAddress(addr string) ([]string, error) {
	prefix := keyAddrPrefix(addr)
	iter := v.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var names []string
	for iter.Next() {
		names = append(names, strings.TrimPrefix(string(iter.Key()), string(prefix)))
	}
	return names, iter.Error()
}

// GetHistoricNamesByAddress paginates the address's full name history
// (including past, now-transferred-away names) — here approximated by the
// same address index since this core does not itself re-derive per-block
// ownership deltas (that lives in the external state engine).
func (v *View) GetHistoricNamesByAddress(addr string, offset, count int) ([]string, error) {
	all, err := v.GetNamesOwnedByAddress(addr)
	if err != nil {
		return nil, err
	}
	return paginateStrings(all, offset, count), nil
}

func paginateStrings(all []string, offset, count int) []string {
	if offset >= len(all) {
		return nil
	}
	end := offset + count
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// GetConsensusAt returns the consensus hash recorded for block, if any.
func (v *View) GetConsensusAt(block int64) (string, bool, error) {
	if block > v.lastblock {
		return "", false, nil
	}
	if c, ok := v.store.consensusCache.Get(namedKey("ch:" + zpad(block))); ok {
		return c.(string), true, nil
	}
	data, err := v.snap.Get(keyConsensus(block), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	v.store.consensusCache.Add(namedKey("ch:"+zpad(block)), string(data))
	return string(data), true, nil
}

// GetBlockFromConsensus is the reverse lookup (P4).
func (v *View) GetBlockFromConsensus(hash string) (int64, bool, error) {
	data, err := v.snap.Get(keyConsensusReverse(hash), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var n int64
	for _, ch := range string(data) {
		n = n*10 + int64(ch-'0')
	}
	return n, true, nil
}

// GetZonefileTxids returns every txid that committed to valueHash on
// chain — the fact that I2/put_zonefiles depends on.
func (v *View) GetZonefileTxids(valueHash string) ([]string, error) {
	prefix := keyZonefileTxPrefix(valueHash)
	iter := v.snap.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var txids []string
	for iter.Next() {
		var c ZonefileCommitment
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, err
		}
		txids = append(txids, c.TxID)
	}
	return txids, iter.Error()
}

// GetZonefileCommitmentsByBlockRange supports get_zonefiles_by_block.
func (v *View) GetZonefileCommitmentsByBlockRange(from, to int64, offset, count int) ([]*ZonefileCommitment, error) {
	iter := v.snap.NewIterator(util.BytesPrefix([]byte(prefixZonefileTx)), nil)
	defer iter.Release()
	var all []*ZonefileCommitment
	for iter.Next() {
		var c ZonefileCommitment
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, err
		}
		if c.Block >= from && c.Block < to {
			all = append(all, &c)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + count
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// GetNumNames counts currently-live (non-cumulative would require
// expiry-aware bookkeeping the external state engine owns; this count is
// the full distinct-name set known to the DB, matching get_num_names).
func (v *View) GetNumNames() (int, error) {
	return v.countPrefix(prefixAllNames)
}

// GetNumNamesCumulative is identical in this core: the Name DB never
// deletes a name record, only marks it expired, so "all names ever
// registered" and "all names" coincide at the storage layer.
func (v *View) GetNumNamesCumulative() (int, error) {
	return v.GetNumNames()
}

func (v *View) countPrefix(prefix string) (int, error) {
	iter := v.snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// GetAllNames paginates the full name set in key order (P5).
func (v *View) GetAllNames(offset, count int) ([]string, error) {
	return v.listPrefix(prefixAllNames, offset, count)
}

// GetAllNamesCumulative is identical to GetAllNames for the same reason as
// GetNumNamesCumulative.
func (v *View) GetAllNamesCumulative(offset, count int) ([]string, error) {
	return v.GetAllNames(offset, count)
}

func (v *View) listPrefix(prefix string, offset, count int) ([]string, error) {
	iter := v.snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	var out []string
	idx := 0
	for iter.Next() {
		if idx < offset {
			idx++
			continue
		}
		if len(out) >= count {
			break
		}
		out = append(out, strings.TrimPrefix(string(iter.Key()), prefix))
		idx++
	}
	return out, iter.Error()
}

// GetAllNamespaces lists every ready namespace ID known to the DB;
// reveal-phase namespaces are not included.
func (v *View) GetAllNamespaces() ([]string, error) {
	iter := v.snap.NewIterator(util.BytesPrefix([]byte(prefixNamespace)), nil)
	defer iter.Release()
	var out []string
	for iter.Next() {
		out = append(out, strings.TrimPrefix(string(iter.Key()), prefixNamespace))
	}
	return out, iter.Error()
}

// GetNumNamesInNamespace counts the names registered under ns.
func (v *View) GetNumNamesInNamespace(ns string) (int, error) {
	return v.countPrefix(prefixNSNames + ns + "/")
}

// GetNamesInNamespace paginates the names registered under ns (P5).
func (v *View) GetNamesInNamespace(ns string, offset, count int) ([]string, error) {
	return v.listPrefix(prefixNSNames+ns+"/", offset, count)
}

func namedKey(s string) stringKey { return stringKey(s) }

type stringKey string

func (s stringKey) ShardKey() string { return string(s) }

// namespaceOf splits "<label>.<namespace_id>" per the glossary's name
// grammar.
func namespaceOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
