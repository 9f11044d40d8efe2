package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"pharmaledger/m/domain"
	"pharmaledger/m/internal/billing"
	"pharmaledger/m/internal/dispense"
	"pharmaledger/m/internal/ledger"
	"pharmaledger/m/internal/offline"
)

type ctxKey string

const (
	ctxUserID   ctxKey = "userID"
	ctxUsername ctxKey = "username"
	ctxRole     ctxKey = "role"
)

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	db     *sqlx.DB
	secret string
	engine *dispense.Engine
	stocks *ledger.Ledger
	bills  *billing.Store
	queue  *offline.Queue
	log    zerolog.Logger
}

// New constructs a Handler.
func New(db *sqlx.DB, secret string, engine *dispense.Engine, stocks *ledger.Ledger, bills *billing.Store, queue *offline.Queue, log zerolog.Logger) *Handler {
	return &Handler{
		db:     db,
		secret: secret,
		engine: engine,
		stocks: stocks,
		bills:  bills,
		queue:  queue,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"}, // Change "*" to a list of allowed domains (e.g., ["http://localhost:3000"])
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Idempotency-Key"},
		AllowCredentials: true,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Post("/auth/login", h.login)

	r.Group(func(pr chi.Router) {
		pr.Use(h.authMiddleware)

		pr.Route("/medicines", func(r chi.Router) {
			r.Get("/{id}", h.getMedicine)
			r.Get("/{id}/balance", h.balance)
			r.Get("/{id}/transactions", h.transactions)
			r.Post("/{id}/adjust", h.adjustStock)
			r.Get("/alerts/low-stock", h.lowStock)
			r.Get("/alerts/expiry", h.expiryAlerts)
		})

		pr.Get("/prescriptions/{id}", h.getPrescription)
		pr.Post("/dispense", h.dispense)

		pr.Route("/bills", func(r chi.Router) {
			r.Post("/", h.createStandaloneBill)
			r.Get("/{id}", h.getBill)
			r.Post("/{id}/payments", h.recordPayment)
		})
		pr.Get("/patients/{id}/bills", h.patientBills)

		pr.Route("/offline", func(r chi.Router) {
			r.Post("/operations", h.enqueueOperation)
			r.Get("/operations", h.listOperations)
			r.Delete("/operations/{id}", h.cancelOperation)
			r.Post("/operations/{id}/retry", h.retryOperation)
			r.Get("/status", h.queueStatus)
			r.Post("/drain", h.drainQueue)
			r.Post("/purge", h.purgeQueue)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authentication helpers

type authClaims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (h *Handler) generateToken(userID int64, username, role string) (string, error) {
	claims := authClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.secret))
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimSpace(header[len("Bearer "):])
		token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(h.secret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(*authClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxUsername, claims.Username)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(r *http.Request) string {
	if val := r.Context().Value(ctxUsername); val != nil {
		if name, ok := val.(string); ok {
			return name
		}
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var user struct {
		ID       int64  `db:"id"`
		Username string `db:"username"`
		Password string `db:"password"`
		Role     string `db:"role"`
	}
	err := h.db.Get(&user, `SELECT id, username, password, role FROM users WHERE username = ?`, req.Username)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.generateToken(user.ID, user.Username, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}
	respondJSON(w, http.StatusOK, loginResponse{Token: token, Username: user.Username, Role: user.Role})
}

// Stock handlers

func (h *Handler) getMedicine(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid medicine id")
		return
	}
	med, err := h.stocks.Medicine(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, med)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid medicine id")
		return
	}
	stock, err := h.stocks.Balance(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"medicine_id": id, "stock": stock})
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid medicine id")
		return
	}
	txns, err := h.stocks.Transactions(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txns)
}

type adjustRequest struct {
	Delta     int64  `json:"delta"`
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid medicine id")
		return
	}
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	txn, err := h.stocks.Adjust(r.Context(), id, req.Delta, req.Kind, req.Reference, actorFromContext(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, txn)
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	meds, err := h.stocks.LowStock(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meds)
}

func (h *Handler) expiryAlerts(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	meds, err := h.stocks.ExpiringSoon(r.Context(), days)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, meds)
}

// Prescription and dispensing handlers

func (h *Handler) getPrescription(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid prescription id")
		return
	}
	pres, err := h.engine.Prescription(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pres)
}

func (h *Handler) dispense(w http.ResponseWriter, r *http.Request) {
	var req domain.DispenseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The engine trusts the authenticated identity, not the request body.
	req.Actor = actorFromContext(r)
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	result, err := h.engine.Dispense(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// Billing handlers

func (h *Handler) createStandaloneBill(w http.ResponseWriter, r *http.Request) {
	var req domain.StandaloneBillRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Actor = actorFromContext(r)
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.OperationID = key
	}
	bill, err := h.bills.CreateStandaloneBill(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, bill)
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid bill id")
		return
	}
	bill, err := h.bills.GetBill(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bill)
}

type paymentRequest struct {
	Amount float64 `json:"amount"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid bill id")
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bill, err := h.bills.RecordPayment(r.Context(), id, req.Amount)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bill)
}

func (h *Handler) patientBills(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid patient id")
		return
	}
	bills, err := h.bills.BillsForPatient(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, bills)
}

// Offline queue handlers

type enqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) enqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := h.queue.Enqueue(r.Context(), req.Kind, req.Payload)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, op)
}

func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.Operations(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ops)
}

func (h *Handler) cancelOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) retryOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	pending, needsAttention, err := h.queue.Counts(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"pending_sync":    pending,
		"needs_attention": needsAttention,
	})
}

func (h *Handler) drainQueue(w http.ResponseWriter, r *http.Request) {
	report, err := h.queue.Drain(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) purgeQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.Purge(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// Helpers

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps the engine's error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var (
		validation   *domain.ValidationError
		already      *domain.AlreadyDispensedError
		insufficient *domain.InsufficientStockError
	)
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrExpiredPrescription), errors.Is(err, domain.ErrCannotDispense):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &already):
		respondJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "item_ids": already.ItemIDs})
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "medicine_ids": insufficient.MedicineIDs})
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
