// Package api serves registered file systems over HTTP and streams their
// node events over websockets.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/auth"
	"github.com/fruitsalade/appfs/internal/check"
	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/metrics"
	"github.com/fruitsalade/appfs/internal/storage"
	"github.com/fruitsalade/appfs/pkg/models"
	"github.com/fruitsalade/appfs/pkg/protocol"
)

const (
	maxRequestBody = 1 << 20
	// DefaultMaxBlobSize bounds uploads when Config.MaxBlobSize is unset.
	DefaultMaxBlobSize = 256 << 20
)

// Config tunes the server.
type Config struct {
	MaxBlobSize int64
}

// Server exposes the backends of a registry.
type Server struct {
	reg      *storage.Registry
	bus      *events.Bus
	auth     *auth.Auth
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer creates a server. Events streamed to clients are read from bus,
// which must be the bus the registered backends publish to.
func NewServer(reg *storage.Registry, bus *events.Bus, authHandler *auth.Auth, cfg Config) *Server {
	if cfg.MaxBlobSize <= 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}
	return &Server{
		reg:  reg,
		bus:  bus,
		auth: authHandler,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with auth, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/fileSystems", s.handleFileSystems)

	fs := http.NewServeMux()
	const p = protocol.APIPrefix + "/fileSystems/{fs}"
	fs.HandleFunc("GET "+p+"/rootNode", s.handleGetRoot)
	fs.HandleFunc("PUT "+p+"/rootNode", s.handleCreateRoot)
	fs.HandleFunc("GET "+p+"/nodes/{id}", s.handleGetNode)
	fs.HandleFunc("DELETE "+p+"/nodes/{id}", s.handleDeleteNode)
	fs.HandleFunc("GET "+p+"/nodes/{id}/children", s.handleChildren)
	fs.HandleFunc("GET "+p+"/nodes/{id}/children/{name}", s.handleChild)
	fs.HandleFunc("POST "+p+"/nodes/{id}/children/{name}", s.handleCreateNode)
	fs.HandleFunc("GET "+p+"/nodes/{id}/parent", s.handleGetParent)
	fs.HandleFunc("PUT "+p+"/nodes/{id}/parent", s.handleSetParent)
	fs.HandleFunc("PUT "+p+"/nodes/{id}/name", s.handleRename)
	fs.HandleFunc("GET "+p+"/nodes/{id}/consistent", s.handleIsConsistent)
	fs.HandleFunc("PUT "+p+"/nodes/{id}/consistent", s.handleSetConsistent)
	fs.HandleFunc("PUT "+p+"/nodes/{id}/description", s.handleSetDescription)
	fs.HandleFunc("GET "+p+"/nodes/{id}/metadata", s.handleGetMetadata)
	fs.HandleFunc("PUT "+p+"/nodes/{id}/metadata/{kind}/{key}", s.handleSetMetadata)
	fs.HandleFunc("GET "+p+"/nodes/{id}/data", s.nodeData(s.handleDataNames))
	fs.HandleFunc("GET "+p+"/nodes/{id}/data/{name}", s.nodeData(s.handleReadBlob))
	fs.HandleFunc("PUT "+p+"/nodes/{id}/data/{name}", s.nodeData(s.handleWriteBlob))
	fs.HandleFunc("DELETE "+p+"/nodes/{id}/data/{name}", s.nodeData(s.handleRemoveData))
	fs.HandleFunc("GET "+p+"/blobs/{id}", s.detachedData(s.handleDataNames))
	fs.HandleFunc("GET "+p+"/blobs/{id}/{name}", s.detachedData(s.handleReadBlob))
	fs.HandleFunc("PUT "+p+"/blobs/{id}/{name}", s.detachedData(s.handleWriteBlob))
	fs.HandleFunc("DELETE "+p+"/blobs/{id}/{name}", s.detachedData(s.handleRemoveData))
	fs.HandleFunc("POST "+p+"/check", s.handleCheck)
	fs.HandleFunc("GET "+p+"/events", s.handleEvents)
	protected.Handle(p+"/", auth.RequireFileSystem(fs))

	mux.Handle(protocol.APIPrefix+"/", s.auth.Middleware(protected))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFileSystems(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	names := []string{}
	for _, name := range s.reg.Names() {
		if claims.Allows(name) {
			names = append(names, name)
		}
	}
	writeJSON(w, http.StatusOK, protocol.FileSystemsResponse{Names: names})
}

// backend resolves the {fs} path value, writing an error when absent.
func (s *Server) backend(w http.ResponseWriter, r *http.Request) (storage.Backend, bool) {
	b, err := s.reg.Backend(r.PathValue("fs"))
	if err != nil {
		s.sendError(w, r, err)
		return nil, false
	}
	return b, true
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	n, err := b.GetRootNode(r.Context())
	s.respond(w, r, http.StatusOK, n, err)
}

func (s *Server) handleCreateRoot(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		s.sendError(w, r, invalid("name is required"))
		return
	}
	n, err := b.CreateRootNodeIfNotExists(r.Context(), name, q.Get("pseudoClass"))
	s.respond(w, r, http.StatusOK, n, err)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	n, err := b.GetNodeInfo(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, n, err)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	parentID, err := b.DeleteNode(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, protocol.DeleteNodeResponse{ParentID: parentID}, err)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	nodes, err := b.GetChildNodes(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, protocol.ChildNodesResponse{Nodes: nodes}, err)
}

func (s *Server) handleChild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	n, err := b.GetChildNode(r.Context(), r.PathValue("id"), r.PathValue("name"))
	s.respond(w, r, http.StatusOK, n, err)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	var req protocol.CreateNodeRequest
	if err := decodeOptional(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	q := r.URL.Query()
	if pc := q.Get("pseudoClass"); pc != "" {
		req.PseudoClass = pc
	}
	if v := q.Get("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			s.sendError(w, r, invalid("version must be an integer"))
			return
		}
		req.Version = version
	}

	n, err := b.CreateNode(r.Context(), r.PathValue("id"), r.PathValue("name"), req.PseudoClass, models.NodeAttributes{
		Description: req.Description,
		Version:     req.Version,
		Metadata:    req.GenericMetadata,
	})
	s.respond(w, r, http.StatusCreated, n, err)
}

func (s *Server) handleGetParent(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	n, found, err := b.GetParentNode(r.Context(), r.PathValue("id"))
	resp := protocol.ParentNodeResponse{Found: found}
	if found {
		resp.Node = &n
	}
	s.respond(w, r, http.StatusOK, resp, err)
}

func (s *Server) handleSetParent(w http.ResponseWriter, r *http.Request) {
	s.withValue(w, r, func(b storage.Backend, id, value string) error {
		return b.SetParent(r.Context(), id, value)
	})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	s.withValue(w, r, func(b storage.Backend, id, value string) error {
		return b.RenameNode(r.Context(), id, value)
	})
}

func (s *Server) handleSetDescription(w http.ResponseWriter, r *http.Request) {
	s.withValue(w, r, func(b storage.Backend, id, value string) error {
		return b.SetDescription(r.Context(), id, value)
	})
}

// withValue decodes a ValueRequest body and applies fn to it.
func (s *Server) withValue(w http.ResponseWriter, r *http.Request, fn func(b storage.Backend, id, value string) error) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	var req protocol.ValueRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.respondEmpty(w, r, fn(b, r.PathValue("id"), req.Value))
}

func (s *Server) handleIsConsistent(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	consistent, err := b.IsConsistent(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, protocol.ConsistentResponse{Consistent: consistent}, err)
}

func (s *Server) handleSetConsistent(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	s.respondEmpty(w, r, b.SetConsistent(r.Context(), r.PathValue("id")))
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	md, err := b.GetMetadata(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, md, err)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	var req protocol.MetadataValueRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	ctx := r.Context()
	id, key := r.PathValue("id"), r.PathValue("key")
	var err error
	switch kind := models.MetadataKind(r.PathValue("kind")); {
	case kind == models.MetadataString && req.String != nil:
		err = b.SetStringMetadata(ctx, id, key, *req.String)
	case kind == models.MetadataInt && req.Int != nil:
		err = b.SetIntMetadata(ctx, id, key, *req.Int)
	case kind == models.MetadataDouble && req.Double != nil:
		err = b.SetDoubleMetadata(ctx, id, key, *req.Double)
	case kind == models.MetadataBool && req.Bool != nil:
		err = b.SetBoolMetadata(ctx, id, key, *req.Bool)
	case !kind.Valid():
		err = invalid("unknown metadata kind " + string(kind))
	default:
		err = invalid("missing " + string(kind) + " value")
	}
	s.respondEmpty(w, r, err)
}

type dataHandler func(w http.ResponseWriter, r *http.Request, d storage.DataStore)

// nodeData serves blobs of nodes in the file system's own tree. Writes and
// removals publish data events.
func (s *Server) nodeData(h dataHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b, ok := s.backend(w, r); ok {
			h(w, r, b)
		}
	}
}

// detachedData serves the raw blob store of a file system, keyed by ids
// of nodes held elsewhere. Remote data delegates of a router use it.
func (s *Server) detachedData(h dataHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.reg.DataStore(r.PathValue("fs"))
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		h(w, r, d)
	}
}

func (s *Server) handleDataNames(w http.ResponseWriter, r *http.Request, b storage.DataStore) {
	names, err := b.DataNames(r.Context(), r.PathValue("id"))
	s.respond(w, r, http.StatusOK, protocol.DataNamesResponse{Names: names}, err)
}

func (s *Server) handleReadBlob(w http.ResponseWriter, r *http.Request, b storage.DataStore) {
	rc, err := b.ReadBlob(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logging.WithContext(r.Context()).Warn("blob stream interrupted", zap.Error(err))
	}
}

func (s *Server) handleWriteBlob(w http.ResponseWriter, r *http.Request, b storage.DataStore) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBlobSize)
	err := b.WriteBlob(r.Context(), r.PathValue("id"), r.PathValue("name"), body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = invalid("blob exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes")
	}
	s.respondEmpty(w, r, err)
}

func (s *Server) handleRemoveData(w http.ResponseWriter, r *http.Request, b storage.DataStore) {
	removed, err := b.RemoveData(r.Context(), r.PathValue("id"), r.PathValue("name"))
	s.respond(w, r, http.StatusOK, protocol.RemoveDataResponse{Removed: removed}, err)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	b, ok := s.backend(w, r)
	if !ok {
		return
	}
	var opts models.FileSystemCheckOptions
	if err := decode(r, &opts); err != nil {
		s.sendError(w, r, err)
		return
	}
	issues, err := check.New(b).Check(r.Context(), opts)
	s.respond(w, r, http.StatusOK, protocol.CheckResponse{Issues: issues}, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (s *Server) respondEmpty(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendError writes err as an ErrorResponse whose kind lets the client
// rebuild the local error.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	kind := storage.ErrorKind(err)
	status := statusFor(kind)
	log := logging.WithContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("kind", kind), zap.Error(err))
	}
	writeJSON(w, status, protocol.ErrorResponse{
		JavaException: kind,
		Message:       err.Error(),
		RequestID:     logging.RequestID(r.Context()),
	})
}

func statusFor(kind string) int {
	switch kind {
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindConflict, protocol.KindCycle:
		return http.StatusConflict
	case protocol.KindInconsistent, protocol.KindInvalidArgument:
		return http.StatusUnprocessableEntity
	case protocol.KindUnavailable, protocol.KindConfigurationMissing:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", storage.ErrInvalidArgument, msg)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		return invalid("invalid request body: " + err.Error())
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return invalid("invalid request body: " + err.Error())
}
