package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"chatrelay/pkg/engine"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

func (a *API) registerMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/messages", a.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", a.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/read", a.markRead).Methods(http.MethodPost)
}

// parseRef derives the conversation ref from a path id: "g:" prefixed ids
// address group rooms, everything else is a direct thread.
func parseRef(id string) models.ConversationRef {
	if strings.HasPrefix(id, "g:") {
		return models.ConversationRef{ID: id, Kind: models.KindGroup}
	}
	return models.ConversationRef{ID: id, Kind: models.KindDirect}
}

type sendRequest struct {
	Sender        string `json:"sender"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	ref := parseRef(mux.Vars(r)["id"])
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Sender == "" {
		utils.JSONError(w, http.StatusBadRequest, "sender required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		utils.JSONError(w, http.StatusBadRequest, "empty message content")
		return
	}
	if !a.limiters.Allow(req.Sender) {
		utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	msg, err := a.sender.Append(ref, req.Sender, req.Content, req.CorrelationID)
	if err != nil {
		writeAppendError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

func writeAppendError(w http.ResponseWriter, err error) {
	var rm *engine.ResourceMissingError
	switch {
	case errors.Is(err, store.ErrEmptyContent):
		utils.JSONError(w, http.StatusBadRequest, "empty message content")
	case errors.Is(err, store.ErrMalformedConversation):
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation id")
	case errors.As(err, &rm):
		_ = utils.JSONWrite(w, http.StatusServiceUnavailable, map[string]any{
			"error":       "room storage not provisioned",
			"remediation": rm.Remediation,
		})
	case errors.Is(err, store.ErrRoomNotProvisioned):
		utils.JSONError(w, http.StatusNotFound, "room not provisioned")
	default:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	ref := parseRef(mux.Vars(r)["id"])
	var p store.Page
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Limit = n
		}
	}
	if v := r.URL.Query().Get("before"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			p.Before = n
		}
	}
	msgs, err := a.sender.List(ref, p)
	if err != nil {
		writeAppendError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}{Conversation: ref.ID, Messages: msgs})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	ref := parseRef(mux.Vars(r)["id"])
	var req struct {
		Reader string `json:"reader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reader == "" {
		utils.JSONError(w, http.StatusBadRequest, "reader required")
		return
	}
	if err := a.store.MarkRead(ref, req.Reader); err != nil {
		if errors.Is(err, store.ErrRoomNotProvisioned) {
			utils.JSONError(w, http.StatusNotFound, "room not provisioned")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
