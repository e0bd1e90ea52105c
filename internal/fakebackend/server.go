// Package fakebackend is a small in-memory auth backend speaking the
// tokenkeeper wire contract. It mints short-lived JWT access tokens, rotates
// refresh tokens with reuse detection, and guards one API route. It backs the
// integration tests and the fakebackend command.
package fakebackend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/sitebook/tokenkeeper/client"
)

// Result codes carried in the rc envelope
const (
	CodeOK                  = 0
	CodeBadRequest          = 400
	CodeBadCredentials      = 401
	CodeUnavailable         = 503
	CodeRefreshTokenInvalid = 10401
)

// Default token lifetimes
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 7 * 24 * time.Hour
)

type user struct {
	id           string
	passwordHash []byte
	profile      json.RawMessage
}

// Server is the fake backend. Configure the exported fields before calling Handler.
type Server struct {
	SecretKey          string
	Issuer             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Clock              clockwork.Clock
	Logger             *zap.Logger

	mu    sync.RWMutex
	users map[string]*user

	tokens   *tokenStore
	validate *validator.Validate

	failRefreshes atomic.Int32
	refreshCount  atomic.Int32
	loginCount    atomic.Int32
}

// New creates a server signing tokens with secret
func New(secret string) *Server {
	return &Server{
		SecretKey:          secret,
		Issuer:             "fakebackend",
		AccessTokenExpiry:  DefaultAccessTokenExpiry,
		RefreshTokenExpiry: DefaultRefreshTokenExpiry,
		Clock:              clockwork.NewRealClock(),
		Logger:             zap.NewNop(),
		users:              make(map[string]*user),
		tokens:             newTokenStore(),
		validate:           validator.New(),
	}
}

// AddUser registers username with a bcrypt hash of password
func (s *Server) AddUser(username, password string, profile map[string]any) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	id := uuid.NewString()
	if profile == nil {
		profile = map[string]any{}
	}
	profile["id"] = id
	profile["username"] = username
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &user{id: id, passwordHash: hash, profile: data}
	return nil
}

// FailRefreshes makes the next n refresh calls answer 503
func (s *Server) FailRefreshes(n int) {
	s.failRefreshes.Store(int32(n))
}

// RevokeUser revokes every refresh token of username, so the next refresh is rejected
func (s *Server) RevokeUser(username string) int {
	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.tokens.revokeUser(u.id)
}

// RefreshCount returns how many refresh requests were received
func (s *Server) RefreshCount() int {
	return int(s.refreshCount.Load())
}

// LoginCount returns how many login requests were received
func (s *Server) LoginCount() int {
	return int(s.loginCount.Load())
}

// Handler returns the router serving the auth and API routes
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireBearer)
	api.HandleFunc("/projects", s.handleProjects).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	return r
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCount.Add(1)
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.RLock()
	u, ok := s.users[req.Username]
	s.mu.RUnlock()
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		s.Logger.Info("login rejected", zap.String("username", req.Username))
		s.fail(w, http.StatusUnauthorized, CodeBadCredentials, "invalid username or password")
		return
	}

	rt := s.tokens.create(u.id, s.Clock.Now(), s.RefreshTokenExpiry)
	s.issue(w, u.id, rt.Token, u.profile)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCount.Add(1)
	if s.failRefreshes.Load() > 0 && s.failRefreshes.Add(-1) >= 0 {
		s.fail(w, http.StatusServiceUnavailable, CodeUnavailable, "temporarily unavailable")
		return
	}

	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}

	rt, err := s.tokens.rotate(req.RefreshToken, s.Clock.Now(), s.RefreshTokenExpiry)
	if err != nil {
		if errors.Is(err, ErrTokenReused) {
			s.Logger.Warn("refresh token reuse detected, family revoked")
		}
		s.fail(w, http.StatusUnauthorized, CodeRefreshTokenInvalid, err.Error())
		return
	}
	s.issue(w, rt.UserID, rt.Token, nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.tokens.revoke(req.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rc":       client.ResultCode{Code: CodeOK},
		"user_id":  userIDFrom(r),
		"projects": []string{"north-tower", "east-wing"},
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	type sessionInfo struct {
		Family     string    `json:"family"`
		Generation int       `json:"generation"`
		CreatedAt  time.Time `json:"created_at"`
		ExpiresAt  time.Time `json:"expires_at"`
	}
	active := s.tokens.active(userIDFrom(r), s.Clock.Now())
	sessions := make([]sessionInfo, 0, len(active))
	for _, t := range active {
		sessions = append(sessions, sessionInfo{t.Family, t.Generation, t.CreatedAt, t.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) issue(w http.ResponseWriter, userID, refreshToken string, profile json.RawMessage) {
	access, expiresIn, err := s.createAccessToken(userID)
	if err != nil {
		s.Logger.Error("failed to sign access token", zap.Error(err))
		s.fail(w, http.StatusInternalServerError, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusOK, client.TokenResponse{
		RC: &client.ResultCode{Code: CodeOK},
		Auth: &client.TokenPayload{
			AccessToken:  access,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    expiresIn,
		},
		User: profile,
	})
}

// createAccessToken creates a signed JWT access token
func (s *Server) createAccessToken(userID string) (string, int64, error) {
	now := s.Clock.Now()
	claims := jwt.MapClaims{
		"sub":  userID,
		"type": "access",
		"jti":  uuid.NewString(),
		"iss":  s.Issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(s.AccessTokenExpiry).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.SecretKey))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, int64(s.AccessTokenExpiry.Seconds()), nil
}

// ValidateAccessToken verifies a JWT access token and returns its subject
func (s *Server) ValidateAccessToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.SecretKey), nil
	}, jwt.WithTimeFunc(s.Clock.Now), jwt.WithIssuer(s.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	if tokenType, ok := claims["type"].(string); !ok || tokenType != "access" {
		return "", fmt.Errorf("invalid token type")
	}
	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return "", fmt.Errorf("missing subject")
	}
	return userID, nil
}

type userIDKey struct{}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

// requireBearer rejects requests without a valid access token with 401
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			s.fail(w, http.StatusUnauthorized, CodeBadCredentials, "authentication required")
			return
		}
		userID, err := s.ValidateAccessToken(token)
		if err != nil {
			s.Logger.Debug("access token rejected", zap.Error(err))
			s.fail(w, http.StatusUnauthorized, CodeBadCredentials, "invalid access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUserID(r, userID)))
	})
}

// decode reads and validates a JSON body, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, payload any) bool {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		s.fail(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(payload); err != nil {
		s.fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, client.TokenResponse{RC: &client.ResultCode{Code: code, Msg: msg}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
