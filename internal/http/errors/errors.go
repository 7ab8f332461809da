package errors

import (
	stderrors "errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/carebridge/calsync/internal/gcal"
	syncengine "github.com/carebridge/calsync/internal/sync"
)

// EngineError maps sync-engine failures onto HTTP statuses. Connection-state
// conflicts become 409, provider auth and throttling keep their upstream
// semantics, and anything unclassified falls through to a logged 500.
func EngineError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case stderrors.Is(err, syncengine.ErrNotConnected):
		http.Error(w, "google account not connected", http.StatusConflict)
	case stderrors.Is(err, syncengine.ErrNotProvisioned):
		http.Error(w, "managed calendar not provisioned", http.StatusConflict)
	case stderrors.Is(err, syncengine.ErrNoRefreshToken):
		http.Error(w, "authorization did not include offline access; retry the consent flow", http.StatusBadRequest)
	case stderrors.Is(err, gcal.ErrAuthExpired):
		http.Error(w, "google authorization expired; reconnect the account", http.StatusUnauthorized)
	case stderrors.Is(err, gcal.ErrRateLimited):
		http.Error(w, "google api rate limited; retry later", http.StatusTooManyRequests)
	case stderrors.Is(err, gcal.ErrValidation):
		BadRequestError(w, r, err, "google api rejected the request")
	default:
		InternalError(w, r, err, message)
	}
}

// InternalError logs err with the request id and returns a generic 500; the
// real error never reaches the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}

	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[WARN] RequestID=%s: bad request: %v", requestID, err)
	} else {
		log.Printf("[WARN] bad request: %v", err)
	}

	http.Error(w, clientMessage, http.StatusBadRequest)
}

func LogError(r *http.Request, message string, err error) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[ERROR] RequestID=%s: %s: %v", requestID, message, err)
	} else {
		log.Printf("[ERROR] %s: %v", message, err)
	}
}

func LogInfo(r *http.Request, message string) {
	requestID := middleware.GetReqID(r.Context())

	if requestID != "" {
		log.Printf("[INFO] RequestID=%s: %s", requestID, message)
	} else {
		log.Printf("[INFO] %s", message)
	}
}
