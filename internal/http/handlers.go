package httpserver

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/calsync/internal/config"
	httperrors "github.com/carebridge/calsync/internal/http/errors"
	syncengine "github.com/carebridge/calsync/internal/sync"
)

// stateTTL bounds how long a pending authorization redirect stays redeemable.
const stateTTL = 10 * time.Minute

// stateStore tracks in-flight OAuth states for the server-redirect flow. The
// callback arrives without the caller's auth header, so the state is the only
// link back to the user.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
}

type stateEntry struct {
	userID    string
	expiresAt time.Time
}

func newStateStore() *stateStore {
	return &stateStore{entries: make(map[string]stateEntry)}
}

func (s *stateStore) issue(userID string) string {
	state := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.entries {
		if e.expiresAt.Before(now) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = stateEntry{userID: userID, expiresAt: now.Add(stateTTL)}
	return state
}

// redeem returns the user behind a state exactly once.
func (s *stateStore) redeem(state string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return "", false
	}
	delete(s.entries, state)
	if entry.expiresAt.Before(time.Now()) {
		return "", false
	}
	return entry.userID, true
}

// Handler serves the integration API and the OAuth/webhook endpoints.
type Handler struct {
	cfg    *config.Config
	engine *syncengine.Engine
	states *stateStore
}

func NewHandler(cfg *config.Config, engine *syncengine.Engine) *Handler {
	return &Handler{cfg: cfg, engine: engine, states: newStateStore()}
}

// requireUser resolves the caller. Identity is delegated to the fronting
// gateway, which injects X-User-ID after authenticating the session.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BeginConnect starts the server-redirect authorization flow.
func (h *Handler) BeginConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	state := h.states.issue(userID)
	http.Redirect(w, r, h.engine.Tokens().BeginAuthorization(state), http.StatusFound)
}

// HandleCallback finishes the server-redirect flow: validates state, then
// runs the full connect sequence (exchange, provision, migrate, watch, sync).
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if errCode := r.URL.Query().Get("error"); errCode != "" {
		httperrors.BadRequestError(w, r, stderrors.New(errCode), "authorization was denied")
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httperrors.BadRequestError(w, r, stderrors.New("missing state or code"), "invalid callback")
		return
	}
	userID, ok := h.states.redeem(state)
	if !ok {
		httperrors.BadRequestError(w, r, stderrors.New("unknown or expired state"), "invalid callback")
		return
	}

	result, err := h.engine.Connect(r.Context(), userID, code, "", h.cfg.RedirectURL())
	if err != nil {
		httperrors.EngineError(w, r, err, "complete google connect")
		return
	}
	httperrors.LogInfo(r, "google account connected for user "+userID)
	writeJSON(w, http.StatusOK, result)
}

type pkceConnectRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"codeVerifier"`
	RedirectURI  string `json:"redirectUri"`
}

// ConnectPKCE finishes the mobile authorization flow. The client did the
// browser dance itself and posts the code plus its PKCE verifier.
func (h *Handler) ConnectPKCE(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req pkceConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid request body")
		return
	}
	if req.Code == "" || req.CodeVerifier == "" || req.RedirectURI == "" {
		httperrors.BadRequestError(w, r, stderrors.New("missing field"), "code, codeVerifier, and redirectUri are required")
		return
	}

	result, err := h.engine.Connect(r.Context(), userID, req.Code, req.CodeVerifier, req.RedirectURI)
	if err != nil {
		httperrors.EngineError(w, r, err, "complete google connect")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) IntegrationStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	status, err := h.engine.GetIntegrationStatus(r.Context(), userID)
	if err != nil {
		httperrors.InternalError(w, r, err, "load integration status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	report, err := h.engine.TriggerManualSync(r.Context(), userID)
	if err != nil {
		httperrors.EngineError(w, r, err, "run manual sync")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.engine.Disconnect(r.Context(), userID); err != nil {
		httperrors.EngineError(w, r, err, "disconnect google account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWebhook receives Google push notifications. The response is always
// 200: Google retries non-2xx deliveries with backoff and eventually drops
// the channel, and a stale or unknown channel is not a caller error.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceID := r.Header.Get("X-Goog-Resource-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")

	h.engine.HandleNotification(r.Context(), channelID, resourceID, resourceState)
	w.WriteHeader(http.StatusOK)
}
