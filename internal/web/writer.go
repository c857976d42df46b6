package web

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"slices"

	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/auth"
	"github.com/hpungsan/codestream/internal/cells"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/kv"
	"github.com/hpungsan/codestream/internal/reconcile"
	"github.com/hpungsan/codestream/internal/session"
	"github.com/hpungsan/codestream/internal/writer"
)

// maxBodyBytes bounds request bodies; cell content dominates.
const maxBodyBytes = 8 << 20

// WriterHandlers contains the writer surface's route handlers.
type WriterHandlers struct {
	store    kv.Store
	cells    *cells.Store
	registry *session.Registry
	engine   *writer.Engine
	bus      *events.Bus
	renderer *Renderer
	logger   zerolog.Logger
}

type cellBody struct {
	CellID    string  `json:"cell_id"`
	Content   *string `json:"cell_content"`
	Timestamp string  `json:"cell_timestamp"`
}

// apiErrorWriter writes the JSON error envelope and logs server-side failures.
func apiErrorWriter(logger zerolog.Logger) auth.ErrorWriter {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		se := errors.From(err)
		if se.Status >= 500 {
			logger.Warn().Err(err).Str("path", r.URL.Path).Str("code", string(se.Code)).Msg("request failed")
		}
		writeError(w, se)
	}
}

func (h *WriterHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErrorWriter(h.logger)(w, r, err)
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if stderrors.As(err, &tooBig) {
			return errors.NewInvalidRequest("Request body too large.")
		}
		if stderrors.Is(err, io.EOF) {
			return errors.NewInvalidRequest("Request body is required.")
		}
		return errors.NewInvalidRequest("Invalid JSON body.")
	}
	return nil
}

// pathSession returns the validated {session} path segment.
func pathSession(r *http.Request) (string, error) {
	code := r.PathValue("session")
	if err := session.ValidateCode(code); err != nil {
		return "", err
	}
	return code, nil
}

func (h *WriterHandlers) readCell(w http.ResponseWriter, r *http.Request) (string, cells.Cell, error) {
	code, err := pathSession(r)
	if err != nil {
		return "", cells.Cell{}, err
	}
	var body cellBody
	if err := decodeBody(w, r, &body); err != nil {
		return "", cells.Cell{}, err
	}
	if body.CellID == "" {
		return "", cells.Cell{}, errors.NewMissingField("cell_id")
	}
	if body.Content == nil {
		return "", cells.Cell{}, errors.NewMissingField("cell_content")
	}
	return code, cells.Cell{
		ID:        body.CellID,
		Content:   *body.Content,
		Timestamp: body.Timestamp,
		Enabled:   true,
	}, nil
}

// HandlePush handles POST /{session}/push-cell/.
func (h *WriterHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	code, c, err := h.readCell(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.cells.Push(r.Context(), code, c); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Cell content pushed to channel.", nil)
}

// HandleUpdate handles POST /{session}/update/.
func (h *WriterHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	code, c, err := h.readCell(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.cells.Update(r.Context(), code, c); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Cell content updated.", nil)
}

// HandleDelete handles POST /{session}/delete/. Deleting an absent cell
// succeeds.
func (h *WriterHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	code, err := pathSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body cellBody
	if err := decodeBody(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.CellID == "" {
		h.fail(w, r, errors.NewMissingField("cell_id"))
		return
	}
	if err := h.cells.Delete(r.Context(), code, body.CellID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Cell deleted.", nil)
}

// HandleCleanup handles POST /{session}/cleanup/: every record under the
// session whose id is not in valid_cell_ids is deleted.
func (h *WriterHandlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	code, err := pathSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body struct {
		ValidCellIDs json.RawMessage `json:"valid_cell_ids"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	var live []string
	if len(body.ValidCellIDs) == 0 || json.Unmarshal(body.ValidCellIDs, &live) != nil || live == nil {
		h.fail(w, r, errors.NewInvalidRequest("valid_cell_ids must be a list"))
		return
	}

	rec := reconcile.New(h.cells)
	rec.SetLogger(h.logger)
	res, err := rec.Reconcile(r.Context(), code, live)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Orphaned cells removed.", map[string]any{
		"deleted_count": len(res.Deleted),
	})
}

// HandleClear handles POST /clear/: every record under the active session
// is deleted. The session itself stays active.
func (h *WriterHandlers) HandleClear(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Active()
	if !ok {
		writeMessage(w, http.StatusOK, "No active session.", map[string]any{"deleted_count": 0})
		return
	}
	n, err := h.cells.PurgeSession(r.Context(), s.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Session store cleared.", map[string]any{"deleted_count": n})
}

// HandleGetCell handles GET /{session}/get-cell/?cell_id=&cell_timestamp=.
func (h *WriterHandlers) HandleGetCell(w http.ResponseWriter, r *http.Request) {
	code, err := pathSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	cellID, ts := q.Get("cell_id"), q.Get("cell_timestamp")
	if cellID == "" {
		h.fail(w, r, errors.NewMissingField("cell_id"))
		return
	}
	if ts == "" {
		h.fail(w, r, errors.NewMissingField("cell_timestamp"))
		return
	}
	content, ok, err := h.cells.Get(r.Context(), code, cellID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, errors.NewNotFound("Cell not found."))
		return
	}
	writeData(w, http.StatusOK, content)
}

// HandleListCellIDs handles GET /get-all-cell-ids/?session=. Without a
// session parameter the active session is listed; with no active session
// the list is empty.
func (h *WriterHandlers) HandleListCellIDs(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("session")
	if code == "" {
		s, ok := h.registry.Active()
		if !ok {
			writeData(w, http.StatusOK, []string{})
			return
		}
		code = s.Code
	}
	ids, err := h.cells.ListAll(r.Context(), code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slices.Sort(ids)
	writeData(w, http.StatusOK, ids)
}

type sessionStatus struct {
	Active    bool   `json:"active"`
	Session   string `json:"session,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Role      string `json:"role"`
}

func statusOf(reg *session.Registry) sessionStatus {
	st := sessionStatus{Role: string(reg.Role())}
	if s, ok := reg.Active(); ok {
		st.Active = true
		st.Session = s.Code
		st.CreatedAt = s.CreatedAt.Unix()
	}
	return st
}

// HandleSessionStatus handles GET /session.
func (h *WriterHandlers) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, statusOf(h.registry))
}

// HandleCreateSession handles POST /session/create.
func (h *WriterHandlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.CreateSession(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, statusOf(h.registry))
}

// HandleRefreshSession handles POST /session/refresh.
func (h *WriterHandlers) HandleRefreshSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RefreshSession(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// HandleEvents handles GET /events?session=, a websocket of cell and session
// notifications.
func (h *WriterHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("session")
	if code != "" {
		if err := session.ValidateCode(code); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	// subscribe before the handshake completes so no event after it is missed
	sub := h.bus.Subscribe()
	defer sub.Close()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client
		h.logger.Debug().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer ws.Close()

	h.logger.Debug().Str("session", code).Msg("event stream opened")
	streamEvents(r.Context(), ws, sessionFilter(r.Context(), code, sub.C()), h.logger)
}

// HandleHealth handles GET /healthz.
func (h *WriterHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{
		"role":    string(session.Writer),
		"backend": h.store.Backend(),
	})
}

// HandleDashboard handles GET /.
func (h *WriterHandlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		PageData: PageData{
			Title:   "Dashboard",
			Version: h.renderer.version,
			Role:    string(h.registry.Role()),
		},
	}
	if s, ok := h.registry.Active(); ok {
		data.Session = s.Code
	}
	for _, c := range h.engine.Cells() {
		data.Cells = append(data.Cells, CellView{
			ID:        c.ID,
			Timestamp: c.Timestamp,
			Enabled:   c.Enabled,
			Pending:   h.engine.Pending(c.ID),
			HTML:      renderCode(c.Content),
		})
	}
	h.renderer.renderPage(w, http.StatusOK, "dashboard", data)
}
