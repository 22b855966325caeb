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

type LetterHandler struct {
	Repo *datastore.LetterRepository
}

func NewLetterHandler(repo *datastore.LetterRepository) *LetterHandler {
	return &LetterHandler{Repo: repo}
}

type createLetterRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Seal    bool   `json:"seal"` // seal immediately on creation
}

func (h *LetterHandler) HandleCreateLetter(w http.ResponseWriter, r *http.Request) error {
	userID := webutil.AuthenticatedUserID(r)

	var req createLetterRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	if strings.TrimSpace(req.Body) == "" {
		return webutil.ErrBadRequest("Letter body must not be empty")
	}

	now := time.Now().UTC()
	letter := models.Letter{
		ID:        uuid.NewString(),
		UserID:    userID,
		Subject:   req.Subject,
		Body:      req.Body,
		CreatedAt: now,
	}
	if req.Seal {
		letter.SealedAt = &now
	}

	if err := h.Repo.CreateLetter(r.Context(), &letter); err != nil {
		return webutil.ErrInternalServerWrap("failed to create letter", err)
	}

	webutil.RespondWithJSON(w, http.StatusCreated, letter)
	return nil
}

func (h *LetterHandler) HandleGetLetter(w http.ResponseWriter, r *http.Request) error {
	letterID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(letterID); err != nil {
		return webutil.ErrBadRequest("Invalid letter ID format")
	}

	letter, err := h.Repo.GetLetterByID(r.Context(), letterID)
	if err != nil {
		return err
	}
	if letter.UserID != webutil.AuthenticatedUserID(r) {
		// Don't reveal that the letter exists.
		return webutil.ErrNotFound("")
	}

	webutil.RespondWithJSON(w, http.StatusOK, letter)
	return nil
}

func (h *LetterHandler) HandleGetUserLetters(w http.ResponseWriter, r *http.Request) error {
	userID := webutil.AuthenticatedUserID(r)
	letters, err := h.Repo.GetLettersByUserID(r.Context(), userID)
	if err != nil {
		return err
	}
	if letters == nil {
		letters = []models.Letter{}
	}
	webutil.RespondWithJSON(w, http.StatusOK, letters)
	return nil
}

func (h *LetterHandler) HandleSealLetter(w http.ResponseWriter, r *http.Request) error {
	letterID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(letterID); err != nil {
		return webutil.ErrBadRequest("Invalid letter ID format")
	}

	userID := webutil.AuthenticatedUserID(r)
	if err := h.Repo.SealLetter(r.Context(), letterID, userID); err != nil {
		return err
	}

	letter, err := h.Repo.GetLetterByID(r.Context(), letterID)
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, letter)
	return nil
}
