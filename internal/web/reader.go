package web

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/coalesce"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/proxy"
	"github.com/hpungsan/codestream/internal/session"
)

// ReaderHandlers contains the reader surface's route handlers. Reads are
// forwarded to the configured writer; nothing here writes to a store.
type ReaderHandlers struct {
	gateway   *proxy.Gateway
	registry  *session.Registry
	throttler *coalesce.Throttler
	renderer  *Renderer
	logger    zerolog.Logger
}

func (h *ReaderHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErrorWriter(h.logger)(w, r, err)
}

// relay writes the writer's reply body unchanged.
func relay(w http.ResponseWriter, reply *proxy.Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply.Body)
}

// throttled runs fn unless key already ran within the throttle window.
func (h *ReaderHandlers) throttled(key string, fn func() error) error {
	if h.throttler == nil {
		return fn()
	}
	ran, err := h.throttler.Do(key, fn)
	if !ran {
		return errors.NewThrottled(h.throttler.Window().String())
	}
	return err
}

// HandleGetConfig handles GET /config.
func (h *ReaderHandlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	settings, err := h.gateway.Settings()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, settings)
}

// HandleSetConfig handles POST /config. The token is replaced on every save;
// omitting it clears it.
func (h *ReaderHandlers) HandleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseURL string `json:"teacher_base_url"`
		Token   string `json:"teacher_token"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	settings, err := h.gateway.Configure(body.BaseURL, body.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Configuration saved successfully", map[string]any{"data": settings})
}

// HandleDeleteConfig handles DELETE /config.
func (h *ReaderHandlers) HandleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Reset(); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Configuration removed", nil)
}

// HandleTest handles POST /test.
func (h *ReaderHandlers) HandleTest(w http.ResponseWriter, r *http.Request) {
	res, err := h.gateway.Test(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, res)
}

// HandleListCellIDs handles GET /get-all-cell-ids/?session=. Without a
// session parameter the joined session is used, and without a joined
// session the writer's active one.
func (h *ReaderHandlers) HandleListCellIDs(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("session")
	if code == "" {
		if s, ok := h.registry.Active(); ok {
			code = s.Code
		}
	}
	if code != "" {
		if err := session.ValidateCode(code); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	var reply *proxy.Reply
	err := h.throttled("list:"+code, func() error {
		var err error
		reply, err = h.gateway.ListCellIDs(r.Context(), code)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	relay(w, reply)
}

// HandleGetCell handles GET /{session}/get-cell/?cell_id=&cell_timestamp=.
func (h *ReaderHandlers) HandleGetCell(w http.ResponseWriter, r *http.Request) {
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

	var reply *proxy.Reply
	err = h.throttled("cell:"+code+":"+cellID, func() error {
		var err error
		reply, err = h.gateway.GetCell(r.Context(), code, cellID, ts)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	relay(w, reply)
}

// HandleSessionStatus handles GET /session.
func (h *ReaderHandlers) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, statusOf(h.registry))
}

// HandleJoin handles POST /session/join with body {"session": code}.
func (h *ReaderHandlers) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Session string `json:"session"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.Session == "" {
		h.fail(w, r, errors.NewMissingField("session"))
		return
	}
	if _, err := h.registry.Join(body.Session); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, statusOf(h.registry))
}

// HandleClearSession handles POST /session/clear.
func (h *ReaderHandlers) HandleClearSession(w http.ResponseWriter, r *http.Request) {
	h.registry.Clear()
	writeData(w, http.StatusOK, statusOf(h.registry))
}

// HandleEvents handles GET /events?session=, relaying the writer's event
// stream to the client.
func (h *ReaderHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("session")
	if code == "" {
		if s, ok := h.registry.Active(); ok {
			code = s.Code
		}
	}
	if code != "" {
		if err := session.ValidateCode(code); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	settings, err := h.gateway.Settings()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !settings.Configured {
		h.fail(w, r, errors.NewNotConfigured("Writer server not configured. Configure the writer server URL first."))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := make(chan events.Event, events.DefaultBuffer)
	go func() {
		defer close(ch)
		err := h.gateway.RelayEvents(ctx, code, func(ev events.Event) error {
			select {
			case ch <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			h.logger.Warn().Err(err).Str("session", code).Msg("event relay stopped")
		}
	}()

	streamEvents(ctx, ws, ch, h.logger)
}

// HandleDashboard handles GET /.
func (h *ReaderHandlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	settings, err := h.gateway.Settings()
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	data := DashboardData{
		PageData: PageData{
			Title:   "Dashboard",
			Version: h.renderer.version,
			Role:    string(h.registry.Role()),
		},
		Configured: settings.Configured,
		Upstream:   settings.TeacherBaseURL,
		HasToken:   settings.HasToken,
	}
	if s, ok := h.registry.Active(); ok {
		data.Session = s.Code
	}
	h.renderer.renderPage(w, http.StatusOK, "dashboard", data)
}
