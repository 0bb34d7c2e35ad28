package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lv-paperdesk/internal/events"
	"lv-paperdesk/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Subscriber is the event source a stream reads from.
type Subscriber interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// WSHandler streams domain events for the caller's accounts. The token is
// passed as a query parameter since browsers cannot set headers on a
// websocket upgrade; ?account_id narrows the stream to one account.
type WSHandler struct {
	bus      Subscriber
	auth     TokenParser
	accounts AccountOwner
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(bus Subscriber, authSvc TokenParser, accounts AccountOwner, origin string, log *slog.Logger) *WSHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &WSHandler{
		bus:      bus,
		auth:     authSvc,
		accounts: accounts,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

// ownership remembers which account ids belong to the connected user.
// Ownership never changes after an account is created, so both answers are
// cached.
type ownership struct {
	userID   string
	accounts AccountOwner
	known    map[string]bool
}

func (o *ownership) owns(ctx context.Context, accountID string) bool {
	if accountID == "" {
		return false
	}
	if v, ok := o.known[accountID]; ok {
		return v
	}
	_, err := o.accounts.GetOwned(ctx, o.userID, accountID)
	o.known[accountID] = err == nil
	return err == nil
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	only := r.URL.Query().Get("account_id")
	if only != "" {
		if _, err := h.accounts.GetOwned(r.Context(), userID, only); err != nil {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)
	h.log.Debug("event stream opened", "user_id", userID, "account_id", only)

	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	own := &ownership{userID: userID, accounts: h.accounts, known: make(map[string]bool)}
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	ctx := context.WithoutCancel(r.Context())
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if only != "" && evt.AccountID != only {
				continue
			}
			if !own.owns(ctx, evt.AccountID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.log.Debug("event stream closed", "user_id", userID)
			return
		}
	}
}
