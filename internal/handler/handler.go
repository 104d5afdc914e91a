package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"custodial-ledger/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Transferer is the write side used by the transfer endpoint.
type Transferer interface {
	Transfer(ctx context.Context, callerOwnerID string, req domain.TransferRequest) (*domain.TransferResult, error)
}

// BalanceQuerier is the read side used by the balance endpoint.
type BalanceQuerier interface {
	BalanceOf(ctx context.Context, ownerID string) (int64, error)
}

// Provisioner creates accounts for newly registered identities.
type Provisioner interface {
	Provision(ctx context.Context, ownerID string, initialBalance int64) (*domain.Account, error)
}

type Handler struct {
	transfers Transferer
	balances  BalanceQuerier
	accounts  Provisioner
	validator *validator.Validate
	log       *zap.Logger
	// dev adds the internal error detail to failure responses.
	dev bool
}

func NewHandler(transfers Transferer, balances BalanceQuerier, accounts Provisioner, log *zap.Logger, dev bool) *Handler {
	return &Handler{
		transfers: transfers,
		balances:  balances,
		accounts:  accounts,
		validator: validator.New(),
		log:       log.Named("http"),
		dev:       dev,
	}
}

// Request Models
type TransferReq struct {
	To string `json:"to" validate:"required,uuid"`
	// Amount is kept raw so that both 300 and "300" are accepted.
	Amount json.RawMessage `json:"amount" validate:"required"`
}

type ProvisionReq struct {
	OwnerID        string `json:"ownerId" validate:"required,uuid"`
	InitialBalance int64  `json:"initialBalance" validate:"gte=0"`
}

// Responses
type ErrorResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ErrorKind      string `json:"errorKind,omitempty"`
	CurrentBalance *int64 `json:"currentBalance,omitempty"`
	Error          string `json:"error,omitempty"`
}

type BalanceResponse struct {
	Success bool  `json:"success"`
	Balance int64 `json:"balance"`
}

type TransferResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Amount     int64  `json:"amount"`
	NewBalance int64  `json:"newBalance"`
	TransferID string `json:"transferId"`
	Replayed   bool   `json:"replayed"`
}

type AccountResponse struct {
	Success bool   `json:"success"`
	OwnerID string `json:"ownerId"`
	Balance int64  `json:"balance"`
}

// Handlers

func (h *Handler) GetBalance(c *gin.Context) {
	ownerID, _ := GetOwnerID(c)

	balance, err := h.balances.BalanceOf(c.Request.Context(), ownerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{Success: true, Balance: balance})
}

func (h *Handler) Transfer(c *gin.Context) {
	ownerID, _ := GetOwnerID(c)

	var req TransferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, transferJSONFields))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondError(c, fieldError(err, transferFields))
		return
	}

	amount, err := domain.ParseAmount(string(req.Amount))
	if err != nil {
		h.respondError(c, err)
		return
	}

	res, err := h.transfers.Transfer(c.Request.Context(), ownerID, domain.TransferRequest{
		ToOwnerID:    req.To,
		Amount:       amount,
		RequestToken: c.GetHeader(IdempotencyKeyHeader),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TransferResponse{
		Success:    true,
		Message:    "Transfer successful",
		Amount:     res.Amount,
		NewBalance: res.NewSenderBalance,
		TransferID: res.TransferID.String(),
		Replayed:   res.Replayed,
	})
}

func (h *Handler) ProvisionAccount(c *gin.Context) {
	var req ProvisionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, provisionJSONFields))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.respondError(c, fieldError(err, provisionFields))
		return
	}

	account, err := h.accounts.Provision(c.Request.Context(), req.OwnerID, req.InitialBalance)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, AccountResponse{Success: true, OwnerID: account.OwnerID, Balance: account.Balance})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var errInvalidAccountID = &domain.Error{Kind: domain.KindInvalidRecipient, Message: "invalid account id"}

// Ledger error per request field, keyed by Go field name for validator
// errors and by JSON name for decoding errors.
var (
	transferFields      = map[string]*domain.Error{"To": domain.ErrInvalidRecipient, "Amount": domain.ErrInvalidAmount}
	transferJSONFields  = map[string]*domain.Error{"to": domain.ErrInvalidRecipient, "amount": domain.ErrInvalidAmount}
	provisionFields     = map[string]*domain.Error{"OwnerID": errInvalidAccountID, "InitialBalance": domain.ErrInvalidAmount}
	provisionJSONFields = map[string]*domain.Error{"ownerId": errInvalidAccountID, "initialBalance": domain.ErrInvalidAmount}
)

// bindError classifies a body that could not be decoded. A value of the
// wrong JSON type is reported against its field; anything else is an
// InvalidRequest.
func bindError(err error, byField map[string]*domain.Error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if le, ok := byField[typeErr.Field]; ok {
			return domain.Wrap(le, err)
		}
	}
	return domain.Wrap(domain.ErrInvalidRequest, err)
}

// fieldError maps the first failing field to its ledger error.
func fieldError(err error, byField map[string]*domain.Error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if le, ok := byField[fe.Field()]; ok {
				return domain.Wrap(le, fe)
			}
		}
	}
	return domain.Wrap(domain.ErrInvalidRequest, err)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	le := domain.AsError(err)
	status := statusFor(le.Kind)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.String("kind", string(le.Kind)), zap.Error(err))
	}

	resp := ErrorResponse{
		Message:        le.Message,
		ErrorKind:      string(le.Kind),
		CurrentBalance: le.Balance,
	}
	if h.dev && le.Err != nil {
		resp.Error = le.Err.Error()
	}
	c.JSON(status, resp)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidRecipient, domain.KindInvalidAmount, domain.KindSelfTransfer, domain.KindInsufficientFunds,
		domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindAccountNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyProvisioned, domain.KindRequestTokenReused:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
