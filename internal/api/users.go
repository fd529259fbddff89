package api

import (
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/identity"
	"github.com/go-chi/chi/v5"
)

const minPasswordLen = 8

// UserHandler handles registration, login and profile endpoints.
type UserHandler struct {
	*Handler
	issuer *identity.TokenIssuer
}

// NewUserHandler creates a new user handler.
func NewUserHandler(base *Handler, issuer *identity.TokenIssuer) *UserHandler {
	return &UserHandler{Handler: base, issuer: issuer}
}

// RegisterPublicRoutes registers the routes that need no token.
func (h *UserHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/api/users", h.Register)
	r.Post("/api/users/login", h.Login)
}

// RegisterRoutes registers the authenticated user routes.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/users", h.List)
	r.Get("/api/users/me", h.Me)
	r.Put("/api/users/me", h.UpdateMe)
	r.Get("/api/users/{userID}", h.Get)
	r.Put("/api/users/{userID}", h.Update)
}

type registerRequest struct {
	Email        string      `json:"email"`
	Password     string      `json:"password"`
	FullName     string      `json:"full_name"`
	GradeClass   string      `json:"grade_class"`
	Contact      string      `json:"contact"`
	Expectations string      `json:"expectations"`
	Role         domain.Role `json:"role"`
}

func (req *registerRequest) validate() error {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return invalid("invalid email address")
	}
	if len(req.Password) < minPasswordLen {
		return invalid("password must be at least %d characters", minPasswordLen)
	}
	if strings.TrimSpace(req.FullName) == "" {
		return invalid("full_name is required")
	}
	if req.Role == "" {
		req.Role = domain.RoleStudent
	}
	if !req.Role.Valid() || req.Role == domain.RoleAdmin {
		return invalid("role must be STUDENT or COUNSELOR")
	}
	return nil
}

// Register creates a new account.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}

	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	user := &domain.User{
		Email:        req.Email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(req.FullName),
		GradeClass:   req.GradeClass,
		Contact:      req.Contact,
		Expectations: req.Expectations,
		Role:         req.Role,
		IsActive:     true,
	}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("User registered", "user_id", user.ID, "role", user.Role)
	JSON(w, http.StatusCreated, user)
}

type loginResponse struct {
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *domain.User `json:"user"`
}

// Login exchanges email and password for an access token. Both JSON
// bodies and OAuth2 password form posts (username/password) are accepted.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var email, password string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			h.fail(w, r, invalid("malformed form"))
			return
		}
		email, password = r.PostForm.Get("username"), r.PostForm.Get("password")
	} else {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decode(w, r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		email, password = req.Email, req.Password
	}

	user, err := h.repo.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil || !identity.CheckPassword(user.PasswordHash, password) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		Error(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if !user.IsActive {
		Error(w, http.StatusForbidden, "Inactive user")
		return
	}

	token, expires, err := h.issuer.Issue(identity.Caller{UserID: user.ID, Email: user.Email, Role: string(user.Role)})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("User logged in", "user_id", user.ID)
	JSON(w, http.StatusOK, loginResponse{Token: token, TokenType: "bearer", ExpiresAt: expires, User: user})
}

// Me returns the caller's profile.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	h.writeUser(w, r, c.UserID)
}

// List returns a page of users. Admin only.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	if !c.IsAdmin() {
		Error(w, http.StatusForbidden, "Not authorized to access this resource")
		return
	}

	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	users, err := h.repo.ListUsers(r.Context(), domain.Role(q.Get("role")), skip, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if users == nil {
		users = []*domain.User{}
	}
	JSON(w, http.StatusOK, users)
}

// Get returns one user. Callers may read themselves; admins may read anyone.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if id != c.UserID && !c.IsAdmin() {
		Error(w, http.StatusForbidden, "Not authorized to access this resource")
		return
	}
	h.writeUser(w, r, id)
}

// UpdateMe updates the caller's profile.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	h.update(w, r, c, c.UserID)
}

// Update updates one user. Callers may update themselves; admins may update anyone.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	c, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := idParam(r, "userID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if id != c.UserID && !c.IsAdmin() {
		Error(w, http.StatusForbidden, "Not authorized to update this user")
		return
	}
	h.update(w, r, c, id)
}

type updateUserRequest struct {
	Email        *string      `json:"email"`
	FullName     *string      `json:"full_name"`
	GradeClass   *string      `json:"grade_class"`
	Contact      *string      `json:"contact"`
	Expectations *string      `json:"expectations"`
	Password     *string      `json:"password"`
	Role         *domain.Role `json:"role"`
	IsActive     *bool        `json:"is_active"`
}

func (h *UserHandler) update(w http.ResponseWriter, r *http.Request, c identity.Caller, userID int64) {
	var req updateUserRequest
	if err := decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "User not found")
		return
	}

	if err := applyUserUpdate(user, req, c.IsAdmin()); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.repo.UpdateUser(r.Context(), user); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("User updated", "user_id", user.ID, "by", c.UserID)
	JSON(w, http.StatusOK, user)
}

// applyUserUpdate copies the set fields of req onto user. Role and activation
// changes are reserved for admins.
func applyUserUpdate(user *domain.User, req updateUserRequest, admin bool) error {
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			return invalid("invalid email address")
		}
		user.Email = email
	}
	if req.FullName != nil {
		if strings.TrimSpace(*req.FullName) == "" {
			return invalid("full_name cannot be empty")
		}
		user.FullName = strings.TrimSpace(*req.FullName)
	}
	if req.GradeClass != nil {
		user.GradeClass = *req.GradeClass
	}
	if req.Contact != nil {
		user.Contact = *req.Contact
	}
	if req.Expectations != nil {
		user.Expectations = *req.Expectations
	}
	if req.Password != nil {
		if len(*req.Password) < minPasswordLen {
			return invalid("password must be at least %d characters", minPasswordLen)
		}
		hash, err := identity.HashPassword(*req.Password)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
	}
	if req.Role != nil || req.IsActive != nil {
		if !admin {
			return fmt.Errorf("role and activation changes: %w", domain.ErrForbidden)
		}
		if req.Role != nil {
			if !req.Role.Valid() {
				return invalid("unknown role %q", *req.Role)
			}
			user.Role = *req.Role
		}
		if req.IsActive != nil {
			user.IsActive = *req.IsActive
		}
	}
	return nil
}

func (h *UserHandler) writeUser(w http.ResponseWriter, r *http.Request, userID int64) {
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "User not found")
		return
	}
	JSON(w, http.StatusOK, user)
}
