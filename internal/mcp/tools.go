package mcp

import "github.com/mark3labs/mcp-go/mcp"

var sessionCreateToolDef = mcp.NewTool("session_create",
	mcp.WithDescription("Start a new sync session with a fresh 6-character code. Records under the previous session are purged and every sync-enabled cell is published under the new code."),
)

var sessionRefreshToolDef = mcp.NewTool("session_refresh",
	mcp.WithDescription("Move the active session to a new code. The old code's records are purged, enabled cells are republished and orphaned records are removed."),
)

var sessionJoinToolDef = mcp.NewTool("session_join",
	mcp.WithDescription("Join a writer's session by its 6-character code."),
	mcp.WithString("session", mcp.Required(), mcp.Description("6-character alphanumeric session code")),
)

var sessionClearToolDef = mcp.NewTool("session_clear",
	mcp.WithDescription("Forget the active session locally. Stored records are not touched."),
)

var sessionStatusToolDef = mcp.NewTool("session_status",
	mcp.WithDescription("Show the process role and the active session, if any."),
)

var cellPushToolDef = mcp.NewTool("cell_push",
	mcp.WithDescription("Open a cell with the given content, enable sync for it and publish it under the active session."),
	mcp.WithString("content", mcp.Required(), mcp.Description("Cell content")),
	mcp.WithString("cell_id", mcp.Description("Existing cell id; omitted to create a new cell")),
)

var cellUpdateToolDef = mcp.NewTool("cell_update",
	mcp.WithDescription("Replace an open cell's content. Writes to the store are debounced unless flush is set."),
	mcp.WithString("cell_id", mcp.Required(), mcp.Description("Cell id")),
	mcp.WithString("content", mcp.Required(), mcp.Description("New cell content")),
	mcp.WithBoolean("flush", mcp.Description("Write pending edits immediately")),
)

var cellDeleteToolDef = mcp.NewTool("cell_delete",
	mcp.WithDescription("Close a cell and delete its published record."),
	mcp.WithString("cell_id", mcp.Required(), mcp.Description("Cell id")),
)

var cellGetToolDef = mcp.NewTool("cell_get",
	mcp.WithDescription("Fetch the published content of one cell."),
	mcp.WithString("cell_id", mcp.Required(), mcp.Description("Cell id")),
	mcp.WithString("session", mcp.Description("Session code; defaults to the active session")),
)

var cellListToolDef = mcp.NewTool("cell_list",
	mcp.WithDescription("List the ids of every cell published in a session."),
	mcp.WithString("session", mcp.Description("Session code; defaults to the active session")),
)

var cellReconcileToolDef = mcp.NewTool("cell_reconcile",
	mcp.WithDescription("Republish enabled cells under the active session and delete orphaned records. Retries a refresh that failed partway."),
)
