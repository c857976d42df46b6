package mcp

import (
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/codestream/internal/config"
	"github.com/hpungsan/codestream/internal/session"
)

// toolEntry pairs a tool definition with a handler factory and the roles
// that may call it.
type toolEntry struct {
	def     mcp.Tool
	roles   []session.Role
	handler func(*Handlers) server.ToolHandlerFunc
}

var (
	writerOnly = []session.Role{session.Writer}
	readerOnly = []session.Role{session.Reader}
	bothRoles  = []session.Role{session.Writer, session.Reader}
)

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"session_create": {
		def:     sessionCreateToolDef,
		roles:   writerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionCreate },
	},
	"session_refresh": {
		def:     sessionRefreshToolDef,
		roles:   writerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionRefresh },
	},
	"session_join": {
		def:     sessionJoinToolDef,
		roles:   readerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionJoin },
	},
	"session_clear": {
		def:     sessionClearToolDef,
		roles:   bothRoles,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionClear },
	},
	"session_status": {
		def:     sessionStatusToolDef,
		roles:   bothRoles,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSessionStatus },
	},
	"cell_push": {
		def:     cellPushToolDef,
		roles:   writerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCellPush },
	},
	"cell_update": {
		def:     cellUpdateToolDef,
		roles:   writerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCellUpdate },
	},
	"cell_delete": {
		def:     cellDeleteToolDef,
		roles:   writerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCellDelete },
	},
	"cell_get": {
		def:     cellGetToolDef,
		roles:   bothRoles,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCellGet },
	},
	"cell_list": {
		def:     cellListToolDef,
		roles:   bothRoles,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCellList },
	},
	"cell_reconcile": {
		def:     cellReconcileToolDef,
		roles:   writerOnly,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCellReconcile },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ToolNamesFor returns the tools a process in role may expose.
func ToolNamesFor(role session.Role) []string {
	names := make([]string, 0, len(toolRegistry))
	for name, entry := range toolRegistry {
		if slices.Contains(entry.roles, role) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server exposing the tools of deps.Registry's
// role. Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(deps Deps, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"codestream",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(deps)
	role := deps.Registry.Role()

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] || !slices.Contains(entry.roles, role) {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(deps Deps, cfg *config.Config, version string) error {
	s := NewServer(deps, cfg, version)
	return server.ServeStdio(s)
}
