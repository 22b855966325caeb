package routehandlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/capsulenote/capsule/datastore"
	"github.com/capsulenote/capsule/models"
	"github.com/capsulenote/capsule/webutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type UserHandler struct {
	Repo *datastore.UserRepository
}

func NewUserHandler(repo *datastore.UserRepository) *UserHandler {
	return &UserHandler{Repo: repo}
}

type createUserRequest struct {
	Email          string `json:"email"`
	Timezone       string `json:"timezone"`
	MailingAddress string `json:"mailing_address"`
}

func (h *UserHandler) HandleCreateUser(w http.ResponseWriter, r *http.Request) error {
	var req createUserRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return webutil.ErrBadRequest("A valid email is required")
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	user := models.User{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		Email:          req.Email,
		Timezone:       req.Timezone,
		MailingAddress: req.MailingAddress,
	}

	if err := h.Repo.CreateUser(r.Context(), &user); err != nil {
		return webutil.ErrInternalServerWrap("failed to create user", err)
	}

	webutil.RespondWithJSON(w, http.StatusCreated, user)
	return nil
}

func (h *UserHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) error {
	userID := chi.URLParam(r, "id")
	user, err := h.Repo.GetUserByID(r.Context(), userID)
	if err != nil {
		return err // MakeHandler maps sql.ErrNoRows to 404
	}
	webutil.RespondWithJSON(w, http.StatusOK, user)
	return nil
}

func (h *UserHandler) HandleGetUsers(w http.ResponseWriter, r *http.Request) error {
	users, err := h.Repo.GetUsers(r.Context())
	if err != nil {
		return err
	}
	if users == nil {
		users = []models.User{}
	}
	webutil.RespondWithJSON(w, http.StatusOK, users)
	return nil
}
