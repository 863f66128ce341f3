package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/vgrichina/vibe-server/internal/gwerr"
	"github.com/vgrichina/vibe-server/internal/models"
	"github.com/vgrichina/vibe-server/internal/store"
	"github.com/vgrichina/vibe-server/internal/tenant"
)

var supportedBackends = map[string]bool{
	"mock":   true,
	"openai": true,
}

// Manager creates realtime sessions, validates connection upgrades against
// them and runs the per-connection message loop.
type Manager struct {
	store    store.Store
	resolver *tenant.Resolver
	baseURL  string
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewManager(s store.Store, resolver *tenant.Resolver, publicBaseURL string) *Manager {
	return &Manager{
		store:    s,
		resolver: resolver,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (m *Manager) Register(router *mux.Router) {
	router.HandleFunc("/v1/realtime/initialize", m.HandleInitialize).Methods("POST")
	router.HandleFunc("/v1/realtime/stream", m.HandleStream).Methods("GET")
}

func (m *Manager) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID := r.Header.Get("X-Tenant-Id")
	if tenantID == "" {
		gwerr.Write(w, gwerr.MalformedRequest("missing X-Tenant-Id header"))
		return
	}

	var req models.InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerr.Write(w, gwerr.MalformedRequest("invalid JSON body: "+err.Error()))
		return
	}
	if !supportedBackends[req.Backend] {
		gwerr.Write(w, gwerr.UnsupportedBackend(req.Backend))
		return
	}

	if _, err := m.resolver.Resolve(ctx, tenantID); err != nil {
		// Unknown tenant is a 404 on this endpoint.
		ge := gwerr.From(err)
		if ge.Code == gwerr.CodeUnknownTenant {
			ge = &gwerr.Error{Code: ge.Code, Status: http.StatusNotFound, Message: ge.Message}
		}
		gwerr.Write(w, ge)
		return
	}

	remaining, err := m.tenantBudget(ctx, tenantID)
	if err != nil {
		gwerr.Write(w, err)
		return
	}
	if remaining < 1 {
		gwerr.Write(w, gwerr.InsufficientBudget())
		return
	}

	sessionUUID := uuid.NewString()
	sessionID := fmt.Sprintf("tenant:%s:session:%s", tenantID, sessionUUID)

	state := models.Session{
		Backend:      req.Backend,
		SystemPrompt: req.SystemPrompt,
		Tools:        req.Tools,
		TTSService:   req.TTSService,
		CacheKey:     req.CacheKey,
		TokensUsed:   0,
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		gwerr.Write(w, gwerr.Internal(err))
		return
	}
	if err := m.store.Set(ctx, store.SessionStateKey(tenantID, sessionUUID), string(encoded), 0); err != nil {
		gwerr.Write(w, gwerr.Internal(err))
		return
	}

	log.Printf("session created tenant=%s session=%s backend=%s", tenantID, sessionUUID, req.Backend)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.InitializeResponse{
		SessionID:       sessionID,
		ConnectionURL:   m.baseURL + "/v1/realtime/stream?sid=" + url.QueryEscape(sessionID),
		RemainingBudget: remaining,
	})
}

func (m *Manager) tenantBudget(ctx context.Context, tenantID string) (int64, error) {
	raw, err := m.store.Get(ctx, store.TenantBudgetKey(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("tenant budget lookup: %w", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// parseSessionID checks the structural shape of a session identifier:
// "tenant:<tenantId>:session:<uuid>".
func parseSessionID(sid string) (tenantID, sessionUUID string, ok bool) {
	parts := strings.Split(sid, ":")
	if len(parts) != 4 || parts[0] != "tenant" || parts[2] != "session" || parts[1] == "" {
		return "", "", false
	}
	if _, err := uuid.Parse(parts[3]); err != nil {
		return "", "", false
	}
	return parts[1], parts[3], true
}

func (m *Manager) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sid := r.URL.Query().Get("sid")
	tenantID, sessionUUID, ok := parseSessionID(sid)
	if ok {
		exists, err := m.store.Exists(r.Context(), store.SessionStateKey(tenantID, sessionUUID))
		ok = err == nil && exists
	}
	if !ok {
		// Policy violation: close before any message traffic.
		deadline := m.now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session"), deadline)
		log.Printf("session upgrade rejected sid=%q", sid)
		return
	}

	log.Printf("session active tenant=%s session=%s", tenantID, sessionUUID)
	m.messageLoop(r.Context(), conn, tenantID, sessionUUID)
	log.Printf("session closed tenant=%s session=%s", tenantID, sessionUUID)
}

// messageLoop processes frames on one connection strictly sequentially. A
// close stops the loop; history already appended stays.
func (m *Manager) messageLoop(ctx context.Context, conn *websocket.Conn, tenantID, sessionUUID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			m.writeFrame(conn, models.OutboundFrame{OutputType: "error", Data: "invalid frame: " + err.Error()})
			continue
		}
		if frame.InputType != "text" && frame.InputType != "audio" {
			m.writeFrame(conn, models.OutboundFrame{OutputType: "error", Data: "unsupported inputType: " + frame.InputType})
			continue
		}

		if err := m.appendHistory(ctx, tenantID, sessionUUID, "user", frame.InputType, frame.Data); err != nil {
			log.Printf("history append failed tenant=%s session=%s err=%v", tenantID, sessionUUID, err)
			m.writeFrame(conn, models.OutboundFrame{OutputType: "error", Data: "session storage failure"})
			continue
		}

		reply := m.reply(frame)
		if err := m.appendHistory(ctx, tenantID, sessionUUID, "assistant", reply.OutputType, reply.Data); err != nil {
			log.Printf("history append failed tenant=%s session=%s err=%v", tenantID, sessionUUID, err)
		}
		m.settleTokens(ctx, tenantID, sessionUUID)

		if err := m.writeFrame(conn, reply); err != nil {
			return
		}
	}
}

func (m *Manager) reply(frame models.InboundFrame) models.OutboundFrame {
	switch frame.InputType {
	case "audio":
		// Audio replies echo the input payload.
		return models.OutboundFrame{OutputType: "audio", Data: frame.Data}
	default:
		return models.OutboundFrame{OutputType: "text", Data: "echo: " + frame.Data}
	}
}

func (m *Manager) writeFrame(conn *websocket.Conn, frame models.OutboundFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *Manager) appendHistory(ctx context.Context, tenantID, sessionUUID, role, entryType, content string) error {
	entry, err := json.Marshal(models.HistoryEntry{
		Role:      role,
		Type:      entryType,
		Content:   content,
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return err
	}
	return m.store.RPush(ctx, store.SessionHistoryKey(tenantID, sessionUUID), string(entry))
}

// settleTokens charges one unit per exchange against the session counter and
// the tenant budget. Budget exhaustion mid-session does not tear the
// connection down.
func (m *Manager) settleTokens(ctx context.Context, tenantID, sessionUUID string) {
	if _, err := m.store.IncrJSONIntField(ctx, store.SessionStateKey(tenantID, sessionUUID), "tokensUsed", 1); err != nil {
		log.Printf("tokensUsed update failed tenant=%s session=%s err=%v", tenantID, sessionUUID, err)
	}
	if _, err := m.store.DecrIfAtLeast(ctx, store.TenantBudgetKey(tenantID), 1); err != nil && !errors.Is(err, store.ErrInsufficient) {
		log.Printf("tenant budget settle failed tenant=%s err=%v", tenantID, err)
	}
}
