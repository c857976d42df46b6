package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/config"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/kv"
	"github.com/hpungsan/codestream/internal/proxy"
	"github.com/hpungsan/codestream/internal/session"
	"github.com/hpungsan/codestream/internal/writer"
)

func sequence(cs ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := cs[i%len(cs)]
		i++
		return c, nil
	}
}

// writerSetup wires a writer process over an in-memory store.
func writerSetup(t *testing.T) Deps {
	t.Helper()
	bus := events.NewBus()
	store := cells.New(kv.NewMemory(), bus)
	reg := session.NewRegistry(session.Writer, bus,
		session.WithPurger(store),
		session.WithCodeGenerator(sequence("ABC123", "XYZ789")))
	engine := writer.New(reg, store, bus, writer.Options{Debounce: time.Hour})
	t.Cleanup(func() {
		engine.Shutdown()
		bus.Close()
	})
	return Deps{Registry: reg, Cells: store, Engine: engine}
}

// readerSetup wires a reader process whose gateway points at upstream.
func readerSetup(t *testing.T, upstream string) Deps {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	gw := proxy.NewGateway(proxy.Options{
		Store: proxy.NewConfigStore(t.TempDir()),
		User:  "student",
	})
	if upstream != "" {
		if _, err := gw.Configure(upstream, "tok"); err != nil {
			t.Fatalf("configure: %v", err)
		}
	}
	return Deps{Registry: session.NewRegistry(session.Reader, bus), Gateway: gw}
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

type handlerFunc func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// mustCall invokes fn and decodes a successful result into out.
func mustCall(t *testing.T, fn handlerFunc, args map[string]any, out any) {
	t.Helper()
	result, err := fn(context.Background(), makeRequest(args))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal([]byte(extractErrorMessage(result)), out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
}

func TestHandleSessionCreate(t *testing.T) {
	deps := writerSetup(t)
	h := NewHandlers(deps)

	var st SessionStatus
	mustCall(t, h.HandleSessionCreate, nil, &st)
	if !st.Active || st.Session != "ABC123" || st.Role != "writer" {
		t.Errorf("status = %+v, want active ABC123 writer", st)
	}
}

func TestHandleCellPushAndGet(t *testing.T) {
	deps := writerSetup(t)
	h := NewHandlers(deps)
	mustCall(t, h.HandleSessionCreate, nil, nil)

	var pushed CellResult
	mustCall(t, h.HandleCellPush, map[string]any{"content": "print('hi')"}, &pushed)
	if pushed.CellID == "" {
		t.Fatal("expected a generated cell id")
	}
	if pushed.Session != "ABC123" {
		t.Errorf("session = %q, want ABC123", pushed.Session)
	}

	var got CellResult
	mustCall(t, h.HandleCellGet, map[string]any{"cell_id": pushed.CellID}, &got)
	if got.Content != "print('hi')" {
		t.Errorf("content = %q, want %q", got.Content, "print('hi')")
	}

	var list CellListResult
	mustCall(t, h.HandleCellList, nil, &list)
	if len(list.CellIDs) != 1 || list.CellIDs[0] != pushed.CellID {
		t.Errorf("cell ids = %v, want [%s]", list.CellIDs, pushed.CellID)
	}
}

func TestHandleCellUpdate(t *testing.T) {
	deps := writerSetup(t)
	h := NewHandlers(deps)
	mustCall(t, h.HandleSessionCreate, nil, nil)
	mustCall(t, h.HandleCellPush, map[string]any{"cell_id": "c1", "content": "v1"}, nil)

	var res CellResult
	mustCall(t, h.HandleCellUpdate, map[string]any{"cell_id": "c1", "content": "v2"}, &res)
	if !res.Pending {
		t.Error("expected a pending debounced write")
	}
	content, _, _ := deps.Cells.Get(context.Background(), "ABC123", "c1")
	if content != "v1" {
		t.Errorf("stored = %q before flush, want v1", content)
	}

	mustCall(t, h.HandleCellUpdate, map[string]any{"cell_id": "c1", "content": "v3", "flush": true}, &res)
	if res.Pending {
		t.Error("flush should leave nothing pending")
	}
	content, _, _ = deps.Cells.Get(context.Background(), "ABC123", "c1")
	if content != "v3" {
		t.Errorf("stored = %q after flush, want v3", content)
	}
}

func TestHandleCellDelete(t *testing.T) {
	deps := writerSetup(t)
	h := NewHandlers(deps)
	mustCall(t, h.HandleSessionCreate, nil, nil)
	mustCall(t, h.HandleCellPush, map[string]any{"cell_id": "c1", "content": "x"}, nil)
	mustCall(t, h.HandleCellDelete, map[string]any{"cell_id": "c1"}, nil)

	result, _ := h.HandleCellGet(context.Background(), makeRequest(map[string]any{"cell_id": "c1"}))
	if !result.IsError {
		t.Fatal("expected error for deleted cell")
	}
	assertErrorCode(t, result, "NOT_FOUND")
}

func TestHandleSessionRefresh(t *testing.T) {
	deps := writerSetup(t)
	h := NewHandlers(deps)
	mustCall(t, h.HandleSessionCreate, nil, nil)
	mustCall(t, h.HandleCellPush, map[string]any{"cell_id": "X", "content": "x"}, nil)

	var res writer.RefreshResult
	mustCall(t, h.HandleSessionRefresh, nil, &res)
	if res.Old != "ABC123" || res.New != "XYZ789" {
		t.Errorf("refresh = %s -> %s, want ABC123 -> XYZ789", res.Old, res.New)
	}

	var list CellListResult
	mustCall(t, h.HandleCellList, map[string]any{"session": "ABC123"}, &list)
	if len(list.CellIDs) != 0 {
		t.Errorf("old session still holds %v", list.CellIDs)
	}
	mustCall(t, h.HandleCellList, nil, &list)
	if len(list.CellIDs) != 1 || list.CellIDs[0] != "X" {
		t.Errorf("new session holds %v, want [X]", list.CellIDs)
	}

	mustCall(t, h.HandleCellReconcile, nil, &res)
	if res.New != "XYZ789" {
		t.Errorf("reconcile session = %q, want XYZ789", res.New)
	}
}

func TestHandlerValidation(t *testing.T) {
	deps := writerSetup(t)
	h := NewHandlers(deps)
	ctx := context.Background()

	tests := []struct {
		name      string
		fn        handlerFunc
		args      map[string]any
		errorCode string
	}{
		{"push without content", h.HandleCellPush, map[string]any{}, "INVALID_REQUEST"},
		{"push bad cell id", h.HandleCellPush, map[string]any{"cell_id": "a\nb", "content": "x"}, "INVALID_REQUEST"},
		{"update without id", h.HandleCellUpdate, map[string]any{"content": "x"}, "INVALID_REQUEST"},
		{"update unknown cell", h.HandleCellUpdate, map[string]any{"cell_id": "nope", "content": "x"}, "NOT_FOUND"},
		{"get without session", h.HandleCellGet, map[string]any{"cell_id": "c1"}, "INVALID_REQUEST"},
		{"get bad session", h.HandleCellGet, map[string]any{"cell_id": "c1", "session": "abc"}, "INVALID_REQUEST"},
		{"list without session", h.HandleCellList, nil, "INVALID_REQUEST"},
		{"refresh without session", h.HandleSessionRefresh, nil, "INVALID_REQUEST"},
		{"reconcile without session", h.HandleCellReconcile, nil, "INVALID_REQUEST"},
		{"wrong argument type", h.HandleCellPush, map[string]any{"content": 12}, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if !result.IsError {
				t.Fatalf("expected error result, got success")
			}
			assertErrorCode(t, result, tt.errorCode)
		})
	}
}

func TestReaderTools(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/get-all-cell-ids/":
			_, _ = w.Write([]byte(`{"status":"success","data":["b","a"]}`))
		case "/ABC123/get-cell/":
			_, _ = w.Write([]byte(`{"status":"success","data":"content of ` + r.URL.Query().Get("cell_id") + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	deps := readerSetup(t, upstream.URL)
	h := NewHandlers(deps)

	var st SessionStatus
	mustCall(t, h.HandleSessionJoin, map[string]any{"session": "ABC123"}, &st)
	if st.Session != "ABC123" || st.Role != "reader" {
		t.Errorf("status = %+v, want reader in ABC123", st)
	}

	var list CellListResult
	mustCall(t, h.HandleCellList, nil, &list)
	if len(list.CellIDs) != 2 || list.CellIDs[0] != "a" {
		t.Errorf("cell ids = %v, want sorted [a b]", list.CellIDs)
	}

	var got CellResult
	mustCall(t, h.HandleCellGet, map[string]any{"cell_id": "a"}, &got)
	if got.Content != "content of a" {
		t.Errorf("content = %q", got.Content)
	}

	mustCall(t, h.HandleSessionClear, nil, &st)
	if st.Active {
		t.Error("session should be cleared")
	}
}

func TestReaderTools_NotConfigured(t *testing.T) {
	deps := readerSetup(t, "")
	h := NewHandlers(deps)
	result, err := h.HandleCellList(context.Background(), makeRequest(map[string]any{"session": "ABC123"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "NOT_CONFIGURED")
}

func TestErrorResult_HidesInternal(t *testing.T) {
	result := errorResult(context.DeadlineExceeded)
	text := extractErrorMessage(result)
	if !result.IsError {
		t.Error("expected IsError")
	}
	assertErrorCode(t, result, "INTERNAL")
	if strings.Contains(text, "deadline") {
		t.Errorf("internal message leaked: %s", text)
	}
}

func TestServerRegistration(t *testing.T) {
	deps := writerSetup(t)
	s := NewServer(deps, config.DefaultConfig(), "test")
	tools := s.ListTools()
	if tools == nil {
		t.Fatal("expected tools to be registered, got nil")
	}

	expected := ToolNamesFor(session.Writer)
	if len(tools) != len(expected) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(expected))
	}
	for _, name := range expected {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
	if _, ok := tools["session_join"]; ok {
		t.Error("reader tool session_join registered on a writer")
	}
}

func TestServerRegistration_Reader(t *testing.T) {
	deps := readerSetup(t, "")
	s := NewServer(deps, config.DefaultConfig(), "test")
	tools := s.ListTools()

	for _, name := range []string{"cell_push", "cell_update", "cell_delete", "session_create", "session_refresh", "cell_reconcile"} {
		if _, ok := tools[name]; ok {
			t.Errorf("write tool %q registered on a reader", name)
		}
	}
	for _, name := range []string{"session_join", "cell_get", "cell_list"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing reader tool %q", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	deps := writerSetup(t)
	cfg := config.DefaultConfig()
	cfg.DisabledTools = []string{"cell_delete", "session_refresh", "session_refresh"}
	s := NewServer(deps, cfg, "test")
	tools := s.ListTools()

	want := len(ToolNamesFor(session.Writer)) - 2
	if len(tools) != want {
		t.Errorf("registered tool count = %d, want %d", len(tools), want)
	}
	for _, name := range []string{"cell_delete", "session_refresh"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	deps := writerSetup(t)
	cfg := config.DefaultConfig()
	cfg.DisabledTools = AllToolNames()
	s := NewServer(deps, cfg, "test")

	if tools := s.ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	unknown := ValidateDisabledTools([]string{"cell_get", "note_store"})
	if len(unknown) != 1 || unknown[0] != "note_store" {
		t.Errorf("unknown = %v, want [note_store]", unknown)
	}
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if len(result.Content) == 0 {
		t.Errorf("no content in error result")
		return
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Errorf("content is not TextContent")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Errorf("failed to unmarshal error payload: %v", err)
		return
	}

	errorObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Errorf("no error object in payload")
		return
	}

	if code, _ := errorObj["code"].(string); code != expectedCode {
		t.Errorf("error code = %q, want %q (message: %v)", code, expectedCode, errorObj["message"])
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}

	return text.Text
}

func TestDecode_NamesBadArgument(t *testing.T) {
	_, err := decode[CellPushRequest](makeRequest(map[string]any{"content": 12}))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "content") {
		t.Errorf("error %q should name the argument", err)
	}
}
