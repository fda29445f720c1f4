package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/NaamaFrank/sqope/internal/auth"
	"github.com/NaamaFrank/sqope/internal/core"
	"github.com/NaamaFrank/sqope/internal/store"
)

// maxQuestionLength bounds incoming questions before they reach the
// coordinator.
const maxQuestionLength = 2000

// QueryAnswerer is the coordinator surface the API depends on.
type QueryAnswerer interface {
	Answer(ctx context.Context, question string) (*core.Answer, error)
}

type APIHandler struct {
	answerer QueryAnswerer
	dbStore  *store.SQLiteStore
}

func NewAPIHandler(answerer QueryAnswerer, dbStore *store.SQLiteStore) *APIHandler {
	return &APIHandler{answerer: answerer, dbStore: dbStore}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		externalUserID, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.dbStore.GetUserByExternalID(externalUserID)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", externalUserID, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.dbStore.CreateUser(req.UserID, hashedPassword)
	if err != nil {
		log.Printf("Error creating user %s: %v", req.UserID, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.dbStore.GetUserByExternalID(req.UserID)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.UserID, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.UserID)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type QueryRequest struct {
	Question string `json:"question"`
}

type QueryResponse struct {
	Answer  string           `json:"answer"`
	Intent  string           `json:"intent"`
	Sources []core.SourceRef `json:"sources"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// QueryHandler is the unified entry point: validate the question, run the
// coordinator pipeline, record the outcome. Internal validation details
// never leak into the response body.
func (h *APIHandler) QueryHandler(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		http.Error(w, "Question cannot be empty", http.StatusBadRequest)
		return
	}
	if utf8.RuneCountInString(question) > maxQuestionLength {
		http.Error(w, "Question is too long", http.StatusBadRequest)
		return
	}

	answer, err := h.answerer.Answer(r.Context(), question)
	if err != nil {
		code := "internal_error"
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, core.ErrUpstreamTimeout):
			code = "upstream_timeout"
			status = http.StatusServiceUnavailable
		case errors.Is(err, core.ErrExecution):
			code = "execution_failed"
			status = http.StatusServiceUnavailable
		}
		log.Printf("Query failed (%s): %v", code, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(errorResponse{Error: "unable to answer", Code: code})
		return
	}

	if err := h.dbStore.SaveQueryRecord(&store.QueryRecord{
		Question: question,
		Answer:   answer.Text,
		Intent:   string(answer.Intent),
	}); err != nil {
		log.Printf("Failed to save query record: %v", err)
	}

	sources := answer.Sources
	if sources == nil {
		sources = []core.SourceRef{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{
		Answer:  answer.Text,
		Intent:  string(answer.Intent),
		Sources: sources,
	})
}

func (h *APIHandler) ListQueriesHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.dbStore.ListQueryRecords(50)
	if err != nil {
		log.Printf("Error listing query records: %v", err)
		http.Error(w, "Failed to list queries", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.QueryRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	docs, err := h.dbStore.ListDocuments()
	if err != nil {
		log.Printf("Error listing documents: %v", err)
		http.Error(w, "Failed to list documents", http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(docs)
}
