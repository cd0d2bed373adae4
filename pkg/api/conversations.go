package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

func (a *API) registerConversations(r *mux.Router) {
	r.HandleFunc("/inbox/{user}", a.listInbox).Methods(http.MethodGet)
	r.HandleFunc("/rooms", a.provisionRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}", a.getRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/members", a.addMember).Methods(http.MethodPost)
}

func (a *API) listInbox(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	summaries, err := a.dir.List(user)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, summaries)
}

type provisionRequest struct {
	ID      string   `json:"id"`
	Title   string   `json:"title,omitempty"`
	Owner   string   `json:"owner,omitempty"`
	Members []string `json:"members,omitempty"`
}

func (a *API) provisionRoom(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		utils.JSONError(w, http.StatusBadRequest, "room id required")
		return
	}
	ref := models.RoomRef(req.ID)
	room := models.Room{ID: req.ID, Title: req.Title, Owner: req.Owner}
	if err := a.store.ProvisionRoom(ref, room, req.Members); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, room)
}

func (a *API) getRoom(w http.ResponseWriter, r *http.Request) {
	ref := models.RoomRef(mux.Vars(r)["id"])
	room, err := a.store.GetRoom(ref)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotProvisioned) {
			utils.JSONError(w, http.StatusNotFound, "room not provisioned")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, room)
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request) {
	ref := models.RoomRef(mux.Vars(r)["id"])
	var req struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		utils.JSONError(w, http.StatusBadRequest, "user required")
		return
	}
	if _, err := a.store.GetRoom(ref); err != nil {
		if errors.Is(err, store.ErrRoomNotProvisioned) {
			utils.JSONError(w, http.StatusNotFound, "room not provisioned")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.store.AddMember(ref, req.User); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
