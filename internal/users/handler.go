// internal/users/handler.go
package users

import (
	"log/slog"
	"net/http"

	"bookloans/internal/access"
	"bookloans/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while registering user."

	var req RegisterRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	req.ClientAddr = httpx.ClientAddr(r)

	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	httpx.JSON(w, r, http.StatusCreated, "User registered successfully.", user)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while logging in."

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	httpx.JSON(w, r, http.StatusOK, "Login successful.", session)
}

// HandleGetUser requires an authenticated caller who is either the user or an Admin.
func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while retrieving user."

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	userID, err := httpx.PathID(r, "userId", "UserId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	if err := access.Authorize(id, access.ViewUser, userID); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	httpx.JSON(w, r, http.StatusOK, "User retrieved successfully.", user)
}

func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while retrieving users."

	id, err := httpx.Identity(r)
	if err == nil {
		err = access.Authorize(id, access.ManageUsers, 0)
	}
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	list, err := h.service.ListUsers(r.Context())
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Users retrieved successfully.", list)
}

// HandleUpdateProfile updates the caller's own profile.
func (h *Handler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while updating the user profile."

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	var req ProfileUpdate
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), id.UserID, req)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Profile updated successfully.", user)
}

func (h *Handler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while changing the password."

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	var req PasswordChange
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	if err := h.service.ChangePassword(r.Context(), id.UserID, req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Password changed successfully.", nil)
}

func (h *Handler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while deleting the user."

	id, err := httpx.Identity(r)
	if err == nil {
		err = access.Authorize(id, access.ManageUsers, 0)
	}
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	userID, err := httpx.PathID(r, "userId", "UserId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	if err := h.service.DeleteUser(r.Context(), userID); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "User deleted successfully.", nil)
}
