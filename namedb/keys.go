package namedb

import "fmt"

// Key layout, one flat leveldb keyspace partitioned by prefix so range
// scans (used for every paginated RPC method, P5) stay key-sorted and
// therefore order-stable across pages.
const (
	prefixName        = "n/"  // n/<name> -> NameRecord
	prefixNamespace   = "ns/" // ns/<namespace_id> -> NamespaceRecord
	prefixNamespaceR  = "nr/" // nr/<namespace_id> -> NamespaceRecord (reveal-phase, not yet ready)
	prefixAddrName    = "a/"  // a/<address>/<name> -> struct{}
	prefixHistBlock   = "h/"  // h/<name>/<zpad block> -> NameRecord snapshot
	prefixBlockOps    = "b/"  // b/<zpad block>/<seq> -> NameRecord
	prefixConsensus   = "c/"  // c/<zpad block> -> consensus hash hex
	prefixConsensusRv = "cr/" // cr/<consensus hash> -> block number
	prefixZonefileTx  = "z/"  // z/<value_hash>/<txid> -> ZonefileCommitment
	prefixAllNames    = "g/"  // g/<name> -> struct{}; monotonically growing, never deleted (for cumulative counts)
	prefixNSNames     = "sn/" // sn/<namespace_id>/<name> -> struct{}
	metaLastBlock     = "meta/lastblock"
)

func zpad(block int64) string {
	return fmt.Sprintf("%020d", block)
}

func keyName(name string) []byte             { return []byte(prefixName + name) }
func keyNamespace(id string) []byte          { return []byte(prefixNamespace + id) }
func keyNamespaceReveal(id string) []byte     { return []byte(prefixNamespaceR + id) }
func keyAddrName(addr, name string) []byte   { return []byte(prefixAddrName + addr + "/" + name) }
func keyAddrPrefix(addr string) []byte       { return []byte(prefixAddrName + addr + "/") }
func keyHist(name string, block int64) []byte {
	return []byte(prefixHistBlock + name + "/" + zpad(block))
}
func keyHistPrefix(name string) []byte { return []byte(prefixHistBlock + name + "/") }
func keyBlockOp(block int64, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", prefixBlockOps, zpad(block), seq))
}
func keyBlockOpsPrefix(block int64) []byte { return []byte(fmt.Sprintf("%s%s/", prefixBlockOps, zpad(block))) }
func keyConsensus(block int64) []byte      { return []byte(prefixConsensus + zpad(block)) }
func keyConsensusReverse(hash string) []byte { return []byte(prefixConsensusRv + hash) }
func keyZonefileTxPrefix(hash string) []byte { return []byte(prefixZonefileTx + hash + "/") }
func keyZonefileTx(hash, txid string) []byte {
	return []byte(prefixZonefileTx + hash + "/" + txid)
}
func keyAllName(name string) []byte { return []byte(prefixAllNames + name) }
func keyNSName(ns, name string) []byte {
	return []byte(prefixNSNames + ns + "/" + name)
}
func keyNSNamePrefix(ns string) []byte { return []byte(prefixNSNames + ns + "/") }
