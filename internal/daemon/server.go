package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/coreindex/coreindex/internal/mcpsession"
	"github.com/coreindex/coreindex/internal/query"
)

// RequestHandler handles incoming RPC requests.
type RequestHandler interface {
	HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error)
	GetStatus() StatusResult
}

// IndexHandler is an optional capability a RequestHandler may also
// implement to serve the index method. Kept separate from
// RequestHandler so existing handlers implementing only search/status
// keep compiling unchanged.
type IndexHandler interface {
	// HandleIndex runs (or resumes) indexing for the project at
	// params.ProjectPath in the given mode, reporting progress through
	// progress. It must be safe to call concurrently for distinct
	// projects; the caller (Server) serializes same-project calls via
	// ProjectLocks before invoking this method.
	HandleIndex(ctx context.Context, params IndexParams, progress ProgressCallback) (IndexStats, error)
}

// QueryHandler is an optional capability serving query/query_fts/query_hybrid.
type QueryHandler interface {
	HandleQuery(ctx context.Context, req query.Request, rootPath string) (query.Response, error)
}

// CacheHandler is an optional capability serving clear_cache.
type CacheHandler interface {
	ClearCache(rootPath string) error
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	started    time.Time

	locks    *ProjectLocks
	sessions *mcpsession.Registry

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	return &Server{
		socketPath: socketPath,
		locks:      NewProjectLocks(),
		sessions:   mcpsession.New(mcpsession.DefaultTTL),
	}, nil
}

// SetHandler sets the request handler for search operations.
func (s *Server) SetHandler(h RequestHandler) {
	s.handler = h
}

// Sessions returns the server's MCP session registry.
func (s *Server) Sessions() *mcpsession.Registry {
	return s.sessions
}

// SetSessionTTL replaces the session registry with one using ttl. Must be
// called before ListenAndServe; a zero ttl falls back to
// mcpsession.DefaultTTL.
func (s *Server) SetSessionTTL(ttl time.Duration) {
	s.sessions = mcpsession.New(ttl)
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	s.started = time.Now()

	// Clean up socket on exit
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("Server listening", slog.String("socket", s.socketPath))

	// Handle shutdown
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("Accept error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Set read deadline
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		slog.Warn("Failed to set connection deadline", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		resp := NewErrorResponse("", ErrCodeParseError, "failed to parse request")
		_ = encoder.Encode(resp)
		return
	}

	resp := s.handleRequest(ctx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		status := s.getStatus()
		return NewSuccessResponse(req.ID, status)

	case MethodSearch:
		return s.handleSearch(ctx, req)

	case MethodIndex:
		return s.handleIndex(ctx, req)

	case MethodQuery:
		return s.handleQuery(ctx, req, query.KindSemantic)

	case MethodQueryFTS:
		return s.handleQuery(ctx, req, query.KindFTS)

	case MethodQueryHybrid:
		return s.handleQuery(ctx, req, query.KindHybrid)

	case MethodClearCache:
		return s.handleClearCache(ctx, req)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleSearch processes a search request.
func (s *Server) handleSearch(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no search handler configured")
	}

	// Decode params
	paramsData, err := json.Marshal(req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to encode params")
	}

	var params SearchParams
	if err := json.Unmarshal(paramsData, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}

	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	results, err := s.handler.HandleSearch(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeSearchFailed, err.Error())
	}

	return NewSuccessResponse(req.ID, results)
}

// decodeParams re-marshals req.Params (decoded by encoding/json into an
// any) into the concrete params type dst points to.
func decodeParams(req Request, dst any) error {
	data, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// handleIndex processes an index request, enforcing the single-writer
// lock per project (spec.md §4.O) before invoking the handler.
func (s *Server) handleIndex(ctx context.Context, req Request) Response {
	ih, ok := s.handler.(IndexHandler)
	if s.handler == nil || !ok {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no index handler configured")
	}

	var params IndexParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if params.ProjectPath == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "project_path is required")
	}
	if params.SessionID != "" {
		s.sessions.Touch(params.SessionID)
	}

	release, ok := s.locks.TryStart(params.ProjectPath)
	if !ok {
		return NewSuccessResponse(req.ID, IndexResult{Status: "already_running"})
	}
	defer release()

	stats, err := ih.HandleIndex(ctx, params, nil)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeIndexFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, IndexResult{Status: "started", Stats: &stats})
}

// handleQuery processes query/query_fts/query_hybrid, all sharing
// QueryParams with the kind fixed by which method dispatched here.
// A non-empty Kind in the params overrides the method's default so a
// client can also reach temporal search through the generic "query"
// method.
func (s *Server) handleQuery(ctx context.Context, req Request, defaultKind query.Kind) Response {
	qh, ok := s.handler.(QueryHandler)
	if s.handler == nil || !ok {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no query handler configured")
	}

	var params QueryParams
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if params.ProjectPath == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "project_path is required")
	}
	if params.Query == "" {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "query is required")
	}
	if params.SessionID != "" {
		s.sessions.Touch(params.SessionID)
	}

	kind := defaultKind
	switch params.Kind {
	case "semantic":
		kind = query.KindSemantic
	case "fts":
		kind = query.KindFTS
	case "hybrid":
		kind = query.KindHybrid
	case "temporal":
		kind = query.KindTemporal
	}

	qreq := query.Request{
		Kind:     kind,
		Query:    params.Query,
		Filters:  params.Filters.toFilters(),
		Limit:    params.Limit,
		MinScore: params.MinScore,
	}

	resp, err := qh.HandleQuery(ctx, qreq, params.ProjectPath)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeQueryFailed, err.Error())
	}
	return NewSuccessResponse(req.ID, toQueryRPCResult(resp))
}

// handleClearCache processes a clear_cache request.
func (s *Server) handleClearCache(_ context.Context, req Request) Response {
	ch, ok := s.handler.(CacheHandler)
	if s.handler == nil || !ok {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no cache handler configured")
	}

	var params struct {
		ProjectPath string `json:"project_path"`
	}
	if err := decodeParams(req, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}

	if err := ch.ClearCache(params.ProjectPath); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error())
	}
	return NewSuccessResponse(req.ID, ClearCacheResult{Cleared: true})
}

// getStatus returns the current server status.
func (s *Server) getStatus() StatusResult {
	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		EmbedderType:   "static",
		EmbedderStatus: "ready",
		ProjectsLoaded: 0,
	}

	if s.handler != nil {
		// Get status from handler
		handlerStatus := s.handler.GetStatus()
		status.EmbedderType = handlerStatus.EmbedderType
		status.EmbedderStatus = handlerStatus.EmbedderStatus
		status.ProjectsLoaded = handlerStatus.ProjectsLoaded
	}

	return status
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
