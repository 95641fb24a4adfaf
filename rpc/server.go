package rpc

import (
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/blockstack/blockstackd-go/atlas"
	"github.com/blockstack/blockstackd-go/common"
	blocklog "github.com/blockstack/blockstackd-go/log"
	"github.com/blockstack/blockstackd-go/namedb"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleRPC)

// MaxRequestBody caps the body the admission layer accepts before the
// XML-RPC codec ever sees it (spec.md §4.3 request admission: reject
// oversized requests with an empty 400 response rather than parsing them).
const MaxRequestBody = 512 * 1024

// gzipThreshold is the response-size floor above which the server gzips
// the body when the client sent Accept-Encoding: gzip.
const gzipThreshold = 4096

// Supervisor is the subset of indexer.Supervisor the RPC layer needs,
// kept as an interface so rpc does not import indexer directly (avoiding
// an import cycle: indexer already imports atlas and stateengine).
type Supervisor interface {
	IsIndexing() bool
}

// Server is the RPC Server (spec.md §4.3): one HTTP endpoint serving the
// XML-RPC method surface over the Name DB and Atlas subsystem.
type Server struct {
	db             *namedb.Store
	atl            *atlas.Subsystem
	supervisor     Supervisor
	registry       map[string]methodFunc
	callerRegistry map[string]methodFuncWithCaller
	gc             GCHook
}

// GCHook lets the server report dispatched-RPC events to the Optimistic
// GC Ticker's event-count trigger (spec.md §4.7) without importing
// lifecycle directly.
type GCHook interface {
	NoteEvent()
}

type methodFunc func(s *Server, params []interface{}) (interface{}, error)

// methodFuncWithCaller is a methodFunc that additionally receives the
// caller's host, for the few methods whose result depends on it (spec.md
// §4.5's get_atlas_peers peer-selection rule).
type methodFuncWithCaller func(s *Server, params []interface{}, callerHost string) (interface{}, error)

// New constructs a Server bound to db and atl. Call Handler to obtain the
// http.Handler to mount.
func New(db *namedb.Store, atl *atlas.Subsystem, supervisor Supervisor, gc GCHook) *Server {
	s := &Server{db: db, atl: atl, supervisor: supervisor, gc: gc}
	s.registry = methodRegistry()
	s.callerRegistry = callerMethodRegistry()
	return s
}

// Handler returns the CORS-wrapped httprouter handler serving POST /RPC2.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/RPC2", s.handleRPC)
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost},
	}).Handler(router)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if enc := r.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > MaxRequestBody {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > MaxRequestBody {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	method, params, err := decodeCall(body)
	if err != nil {
		s.writeResponse(w, r, nil, err)
		return
	}

	if s.gc != nil {
		s.gc.NoteEvent()
	}

	reqID, _ := uuid.GenerateUUID()
	common.Counter("rpc/calls/" + method).Inc(1)
	logger.Debug("dispatching rpc call", "request_id", reqID, "method", method)

	callerHost, callerPort, hasRemote := splitHostPort(r.RemoteAddr)

	// Under BLOCKSTACK_ATLAS_NETWORK_SIMULATION=1, a call whose first
	// argument is "atlas_network" names the simulated caller in args[1];
	// the real arguments start at args[3].
	if atlas.IsNetworkSimulation() && len(params) >= 3 {
		if tag, ok := params[0].(string); ok && tag == "atlas_network" {
			if hp, ok := params[1].(string); ok {
				callerHost, callerPort, hasRemote = splitHostPort(hp)
			}
			params = params[3:]
		}
	}

	if fn, ok := s.callerRegistry[method]; ok {
		// get_atlas_peers implicitly enqueues the caller as a neighbor
		// before returning (spec.md §4.5), so Atlas learns about peers
		// just by being queried.
		if s.atl != nil && hasRemote {
			s.atl.EnqueuePeer(callerHost, callerPort)
		}
		result, err := fn(s, params, callerHost)
		s.writeResponse(w, r, result, err)
		return
	}

	fn, ok := s.registry[method]
	if !ok {
		s.writeResponse(w, r, nil, errUnknownMethod(method))
		return
	}

	result, err := fn(s, params)
	s.writeResponse(w, r, result, err)
}

func splitHostPort(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, result interface{}, err error) {
	body, encErr := encodeResponse(result, err)
	if encErr != nil {
		logger.Error("failed to encode xml-rpc response", "err", encErr.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")

	if len(body) > gzipThreshold && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gz.Write(body)
		return
	}
	w.Write(body)
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}

type methodError struct{ msg string }

func (e *methodError) Error() string { return e.msg }

func errUnknownMethod(name string) error {
	return &methodError{msg: "unknown method " + name}
}
