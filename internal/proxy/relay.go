package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/logging"
	"github.com/hpungsan/codestream/internal/session"
)

// RelayEvents connects to the writer's event stream for code and calls sink
// for every notification until ctx ends, the writer closes the stream or sink
// returns an error. Notifications carry ids only, never cell content, so a
// reader still pulls content through GetCell.
func (g *Gateway) RelayEvents(ctx context.Context, code string, sink func(events.Event) error) error {
	up, err := g.upstream()
	if err != nil {
		return err
	}
	if code != "" {
		if err := session.ValidateCode(code); err != nil {
			return err
		}
	}

	target, err := eventsURL(up.BaseURL, code)
	if err != nil {
		return errors.NewInternal(err)
	}
	header := http.Header{}
	if up.Token != "" {
		header.Set("Authorization", "token "+up.Token)
	}
	dialer := websocket.Dialer{
		NetDialContext:   g.dialer.DialContext,
		HandshakeTimeout: g.connectTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if se := statusError(resp.StatusCode, "Writer server event stream not found."); se != nil {
				g.observe("events", outcomeOf(se))
				return se
			}
		}
		se := networkError(err)
		g.observe("events", outcomeOf(se))
		return se
	}
	defer ws.Close()
	g.observe("events", "ok")
	g.logger.Info().Str("writer", logging.RedactURL(up.BaseURL)).Str("session", code).Msg("event relay connected")

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline(g.connectTimeout))
		ws.Close()
	})
	defer stop()

	for {
		var ev events.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.NewUpstreamUnreachable("Event stream from writer server was interrupted.", false, err)
		}
		if err := sink(ev); err != nil {
			return err
		}
	}
}

// eventsURL turns an http(s) base URL into the ws(s) event stream URL.
func eventsURL(base, code string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	if code != "" {
		u.RawQuery = url.Values{"session": {code}}.Encode()
	}
	return u.String(), nil
}
