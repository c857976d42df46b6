package mcp

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/proxy"
	"github.com/hpungsan/codestream/internal/session"
	"github.com/hpungsan/codestream/internal/writer"
)

// Deps are the components behind the tools. Writer processes set Cells and
// Engine; reader processes set Gateway.
type Deps struct {
	Registry *session.Registry
	Cells    *cells.Store
	Engine   *writer.Engine
	Gateway  *proxy.Gateway
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Request types for each tool

// SessionRequest carries an optional session code.
type SessionRequest struct {
	Session string `json:"session,omitempty"`
}

// CellPushRequest represents the arguments for cell_push.
type CellPushRequest struct {
	CellID  string  `json:"cell_id,omitempty"`
	Content *string `json:"content"`
}

// CellUpdateRequest represents the arguments for cell_update.
type CellUpdateRequest struct {
	CellID  string  `json:"cell_id"`
	Content *string `json:"content"`
	Flush   bool    `json:"flush,omitempty"`
}

// CellRequest identifies one cell.
type CellRequest struct {
	CellID  string `json:"cell_id"`
	Session string `json:"session,omitempty"`
}

// SessionStatus is the result of the session tools.
type SessionStatus struct {
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	Session   string `json:"session,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// CellResult is the result of cell_push, cell_update and cell_get.
type CellResult struct {
	Session string `json:"session,omitempty"`
	CellID  string `json:"cell_id"`
	Content string `json:"content,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// CellListResult is the result of cell_list.
type CellListResult struct {
	Session string   `json:"session,omitempty"`
	CellIDs []string `json:"cell_ids"`
}

func (h *Handlers) status() SessionStatus {
	st := SessionStatus{Role: string(h.deps.Registry.Role())}
	if s, ok := h.deps.Registry.Active(); ok {
		st.Active = true
		st.Session = s.Code
		st.CreatedAt = s.CreatedAt.Unix()
	}
	return st
}

// sessionOr returns code, or the active session when code is empty.
func (h *Handlers) sessionOr(code string) (string, error) {
	if code != "" {
		return code, session.ValidateCode(code)
	}
	s, ok := h.deps.Registry.Active()
	if !ok {
		return "", errors.NewInvalidRequest("no active session")
	}
	return s.Code, nil
}

// Handler implementations

// HandleSessionCreate handles the session_create tool call.
func (h *Handlers) HandleSessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := h.deps.Engine.CreateSession(ctx); err != nil {
		return errorResult(err), nil
	}
	return successResult(h.status())
}

// HandleSessionRefresh handles the session_refresh tool call.
func (h *Handlers) HandleSessionRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.deps.Engine.RefreshSession(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

// HandleSessionJoin handles the session_join tool call.
func (h *Handlers) HandleSessionJoin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Session == "" {
		return errorResult(errors.NewMissingField("session")), nil
	}
	if _, err := h.deps.Registry.Join(input.Session); err != nil {
		return errorResult(err), nil
	}
	return successResult(h.status())
}

// HandleSessionClear handles the session_clear tool call.
func (h *Handlers) HandleSessionClear(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.deps.Engine != nil {
		h.deps.Engine.ClearSession()
	} else {
		h.deps.Registry.Clear()
	}
	return successResult(h.status())
}

// HandleSessionStatus handles the session_status tool call.
func (h *Handlers) HandleSessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.status())
}

// HandleCellPush handles the cell_push tool call.
func (h *Handlers) HandleCellPush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CellPushRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Content == nil {
		return errorResult(errors.NewMissingField("content")), nil
	}
	if input.CellID != "" {
		if err := cells.ValidateID(input.CellID); err != nil {
			return errorResult(err), nil
		}
	}

	id := h.deps.Engine.Open(input.CellID, *input.Content)
	if err := h.deps.Engine.Enable(ctx, id); err != nil {
		return errorResult(err), nil
	}
	res := CellResult{CellID: id}
	if s, ok := h.deps.Registry.Active(); ok {
		res.Session = s.Code
	}
	return successResult(res)
}

// HandleCellUpdate handles the cell_update tool call.
func (h *Handlers) HandleCellUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CellUpdateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.CellID == "" {
		return errorResult(errors.NewMissingField("cell_id")), nil
	}
	if input.Content == nil {
		return errorResult(errors.NewMissingField("content")), nil
	}

	if err := h.deps.Engine.Edit(input.CellID, *input.Content); err != nil {
		return errorResult(err), nil
	}
	if input.Flush {
		h.deps.Engine.Flush()
	}
	res := CellResult{CellID: input.CellID, Pending: h.deps.Engine.Pending(input.CellID)}
	if s, ok := h.deps.Registry.Active(); ok {
		res.Session = s.Code
	}
	return successResult(res)
}

// HandleCellDelete handles the cell_delete tool call.
func (h *Handlers) HandleCellDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CellRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.CellID == "" {
		return errorResult(errors.NewMissingField("cell_id")), nil
	}
	if err := h.deps.Engine.Remove(ctx, input.CellID); err != nil {
		return errorResult(err), nil
	}
	return successResult(CellResult{CellID: input.CellID})
}

// HandleCellGet handles the cell_get tool call. Writers read their own
// store; readers go through the gateway.
func (h *Handlers) HandleCellGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CellRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.CellID == "" {
		return errorResult(errors.NewMissingField("cell_id")), nil
	}
	code, err := h.sessionOr(input.Session)
	if err != nil {
		return errorResult(err), nil
	}

	var content string
	if h.deps.Gateway != nil {
		reply, err := h.deps.Gateway.GetCell(ctx, code, input.CellID, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return errorResult(err), nil
		}
		if content, err = reply.Content(); err != nil {
			return errorResult(err), nil
		}
	} else {
		var ok bool
		content, ok, err = h.deps.Cells.Get(ctx, code, input.CellID)
		if err != nil {
			return errorResult(err), nil
		}
		if !ok {
			return errorResult(errors.NewNotFound("Cell not found.")), nil
		}
	}
	return successResult(CellResult{Session: code, CellID: input.CellID, Content: content})
}

// HandleCellList handles the cell_list tool call.
func (h *Handlers) HandleCellList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SessionRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	var ids []string
	code := input.Session
	if h.deps.Gateway != nil {
		if code == "" {
			if s, ok := h.deps.Registry.Active(); ok {
				code = s.Code
			}
		}
		reply, err := h.deps.Gateway.ListCellIDs(ctx, code)
		if err != nil {
			return errorResult(err), nil
		}
		if ids, err = reply.CellIDs(); err != nil {
			return errorResult(err), nil
		}
	} else {
		if code, err = h.sessionOr(code); err != nil {
			return errorResult(err), nil
		}
		if ids, err = h.deps.Cells.ListAll(ctx, code); err != nil {
			return errorResult(err), nil
		}
	}
	slices.Sort(ids)
	return successResult(CellListResult{Session: code, CellIDs: ids})
}

// HandleCellReconcile handles the cell_reconcile tool call.
func (h *Handlers) HandleCellReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.deps.Engine.Reconcile(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	se := errors.From(err)
	errorObj := map[string]any{
		"code":      se.Code,
		"message":   se.Message,
		"status":    se.Status,
		"retryable": se.Retryable,
	}
	if se.Code == errors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if se.Details != nil {
		errorObj["details"] = se.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
