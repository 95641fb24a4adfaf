package rpc

// infoEnvelope is the shape every successful response embeds core status
// fields into, mirroring ping/getinfo's common envelope (spec.md §4.3).
type infoEnvelope struct {
	Status    string `json:"status"`
	Indexing  bool   `json:"indexing"`
	LastBlock int64  `json:"lastblock"`
}

// errorEnvelope is an error-only envelope shape. The dispatcher does not
// use it: validation and handler failures go out as XML-RPC faults whose
// faultString is the error text (see encodeResponse).
type errorEnvelope struct {
	Error string `json:"error"`
}

func newErrorEnvelope(msg string) errorEnvelope {
	return errorEnvelope{Error: msg}
}
