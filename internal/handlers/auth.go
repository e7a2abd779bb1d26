package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pliu/cipherchat/internal/auth"
	"github.com/pliu/cipherchat/internal/chaterr"
	"github.com/pliu/cipherchat/internal/middleware"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthHandler struct {
	Store store.Store
}

type publicKeyBody struct {
	PublicKey json.RawMessage `json:"publicKey"`
}

type publicKeyResponse struct {
	PublicKey models.JWK `json:"publicKey"`
}

func setSessionCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    auth.SignCookie(userID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if creds.Username == "" || len(creds.Password) < 6 {
		writeError(w, chaterr.Validation("credentials", "username required and password of at least 6 characters"))
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user := &models.User{
		ID:       uuid.NewString(),
		Username: creds.Username,
		Password: string(hashedPassword),
	}
	if err := h.Store.CreateUser(user); err != nil {
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	}

	setSessionCookie(w, user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.Store.GetUserByUsername(creds.Username)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	setSessionCookie(w, user.ID)
	writeJSON(w, http.StatusOK, user)
}

// Check returns the user behind the session cookie.
func (h *AuthHandler) Check(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(middleware.UserID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UploadPublicKey attaches the caller's public JWK to their account.
func (h *AuthHandler) UploadPublicKey(w http.ResponseWriter, r *http.Request) {
	var body publicKeyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := models.ParseJWK(body.PublicKey)
	if err != nil || key == nil {
		writeError(w, chaterr.Validation("publicKey", "missing or unreadable"))
		return
	}
	key = key.Sanitize()
	if err := key.Validate(); err != nil {
		writeError(w, chaterr.Validation("publicKey", err.Error()))
		return
	}

	if err := h.Store.SetPublicKey(middleware.UserID(r), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKey: key})
}

// GetPublicKey returns {"publicKey": null} for a known user without a key.
func (h *AuthHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKey: user.PublicKey})
}
