package daemon

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreindex/coreindex/internal/query"
)

// rpcMockHandler implements RequestHandler plus every optional capability
// interface, so tests can exercise the full dispatch table.
type rpcMockHandler struct {
	indexCalls int
	lastIndex  IndexParams

	queryCalls int
	lastQuery  query.Request
	lastRoot   string

	clearCalls int
	lastClear  string
}

func (m *rpcMockHandler) HandleSearch(context.Context, SearchParams) ([]SearchResult, error) {
	return nil, nil
}

func (m *rpcMockHandler) GetStatus() StatusResult { return StatusResult{Running: true} }

func (m *rpcMockHandler) HandleIndex(_ context.Context, params IndexParams, progress ProgressCallback) (IndexStats, error) {
	m.indexCalls++
	m.lastIndex = params
	if progress != nil {
		progress(1, 1, "file.go", "")
	}
	return IndexStats{FilesIndexed: 3}, nil
}

func (m *rpcMockHandler) HandleQuery(_ context.Context, req query.Request, rootPath string) (query.Response, error) {
	m.queryCalls++
	m.lastQuery = req
	m.lastRoot = rootPath
	return query.Response{Results: []query.Result{{ID: "1", Score: 0.5}}}, nil
}

func (m *rpcMockHandler) ClearCache(rootPath string) error {
	m.clearCalls++
	m.lastClear = rootPath
	return nil
}

func rpcTestServer(t *testing.T, h RequestHandler) (*Server, string) {
	t.Helper()
	socketPath := serverTestSocketPath(t)
	srv, err := NewServer(socketPath)
	require.NoError(t, err)
	srv.SetHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	return srv, socketPath
}

func rpcRoundTrip(t *testing.T, socketPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(req))

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func TestServer_HandleIndex_DispatchesToIndexHandler(t *testing.T) {
	h := &rpcMockHandler{}
	_, socketPath := rpcTestServer(t, h)

	resp := rpcRoundTrip(t, socketPath, Request{
		JSONRPC: "2.0",
		Method:  MethodIndex,
		ID:      "idx-1",
		Params:  IndexParams{ProjectPath: "/repo", Mode: "incremental"},
	})

	require.Nil(t, resp.Error)
	assert.Equal(t, 1, h.indexCalls)
	assert.Equal(t, "/repo", h.lastIndex.ProjectPath)
}

func TestServer_HandleIndex_MissingProjectPath(t *testing.T) {
	h := &rpcMockHandler{}
	_, socketPath := rpcTestServer(t, h)

	resp := rpcRoundTrip(t, socketPath, Request{
		JSONRPC: "2.0",
		Method:  MethodIndex,
		ID:      "idx-2",
		Params:  IndexParams{},
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServer_HandleQuery_DispatchesWithDefaultKind(t *testing.T) {
	h := &rpcMockHandler{}
	_, socketPath := rpcTestServer(t, h)

	resp := rpcRoundTrip(t, socketPath, Request{
		JSONRPC: "2.0",
		Method:  MethodQueryFTS,
		ID:      "q-1",
		Params:  QueryParams{ProjectPath: "/repo", Query: "foo bar"},
	})

	require.Nil(t, resp.Error)
	assert.Equal(t, 1, h.queryCalls)
	assert.Equal(t, query.KindFTS, h.lastQuery.Kind)
	assert.Equal(t, "/repo", h.lastRoot)
}

func TestServer_HandleQuery_MissingQueryIsRejected(t *testing.T) {
	h := &rpcMockHandler{}
	_, socketPath := rpcTestServer(t, h)

	resp := rpcRoundTrip(t, socketPath, Request{
		JSONRPC: "2.0",
		Method:  MethodQuery,
		ID:      "q-2",
		Params:  QueryParams{ProjectPath: "/repo"},
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServer_HandleClearCache_Dispatches(t *testing.T) {
	h := &rpcMockHandler{}
	_, socketPath := rpcTestServer(t, h)

	resp := rpcRoundTrip(t, socketPath, Request{
		JSONRPC: "2.0",
		Method:  MethodClearCache,
		ID:      "c-1",
		Params:  map[string]string{"project_path": "/repo"},
	})

	require.Nil(t, resp.Error)
	assert.Equal(t, 1, h.clearCalls)
	assert.Equal(t, "/repo", h.lastClear)
}

// blockingIndexHandler holds HandleIndex open until release is closed, so
// tests can observe the server's single-writer lock rejecting a second
// concurrent call for the same project.
type blockingIndexHandler struct {
	rpcMockHandler
	entered chan struct{}
	release chan struct{}
}

func (m *blockingIndexHandler) HandleIndex(ctx context.Context, params IndexParams, progress ProgressCallback) (IndexStats, error) {
	close(m.entered)
	<-m.release
	return IndexStats{}, nil
}

func TestServer_HandleIndex_RejectsSecondConcurrentCallForSameProject(t *testing.T) {
	h := &blockingIndexHandler{entered: make(chan struct{}), release: make(chan struct{})}
	_, socketPath := rpcTestServer(t, h)

	firstDone := make(chan Response, 1)
	go func() {
		firstDone <- rpcRoundTrip(t, socketPath, Request{
			JSONRPC: "2.0",
			Method:  MethodIndex,
			ID:      "idx-first",
			Params:  IndexParams{ProjectPath: "/repo"},
		})
	}()

	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first index call never entered handler")
	}

	second := rpcRoundTrip(t, socketPath, Request{
		JSONRPC: "2.0",
		Method:  MethodIndex,
		ID:      "idx-second",
		Params:  IndexParams{ProjectPath: "/repo"},
	})
	require.Nil(t, second.Error)

	data, err := json.Marshal(second.Result)
	require.NoError(t, err)
	var result IndexResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "already_running", result.Status)

	close(h.release)
	<-firstDone
}

func TestServer_HandleIndex_NoHandlerConfigured(t *testing.T) {
	// NewServer's default handler is nil; a plain RequestHandler that
	// doesn't also implement IndexHandler should fail the type assertion.
	socketPath := serverTestSocketPath(t)
	srv, err := NewServer(socketPath)
	require.NoError(t, err)

	resp := srv.handleRequest(context.Background(), Request{
		Method: MethodIndex,
		ID:     "idx-none",
		Params: IndexParams{ProjectPath: "/repo"},
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}
