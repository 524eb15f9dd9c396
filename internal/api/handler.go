package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veloshop/chainpay/internal/cache"
	"github.com/veloshop/chainpay/internal/chain"
	"github.com/veloshop/chainpay/internal/order"
	"github.com/veloshop/chainpay/internal/verify"
)

// Verifier is satisfied by *verify.Pipeline. Decoupled here so handler
// tests can use a stub.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) verify.Result
}

// Handler wires the verification and health routes onto a Gin engine.
type Handler struct {
	verifier Verifier
	monitor  *chain.Monitor
	cache    *cache.Cache
	log      *zap.Logger
}

func NewHandler(verifier Verifier, monitor *chain.Monitor, c *cache.Cache, log *zap.Logger) *Handler {
	return &Handler{verifier: verifier, monitor: monitor, cache: c, log: log}
}

// Register mounts the payment routes on the given group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/payments/verify", h.verifyPayment)
}

// RegisterHealth mounts the health endpoint on the engine root.
func (h *Handler) RegisterHealth(r *gin.Engine) {
	r.GET("/healthz", h.healthz)
}

type productItem struct {
	ProductRef string `json:"productRef"`
	Quantity   int64  `json:"quantity"`
	Price      string `json:"price"`
}

type verifyRequest struct {
	Products        []productItem `json:"products"`
	PaymentID       string        `json:"paymentId"`
	WalletAddress   string        `json:"walletAddress"`
	TransactionHash string        `json:"transactionHash"`
	Amount          string        `json:"amount"`
}

func (h *Handler) verifyPayment(c *gin.Context) {
	var body verifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	items := make([]order.Item, len(body.Products))
	for i, p := range body.Products {
		items[i] = order.Item{ProductRef: p.ProductRef, Quantity: p.Quantity, Price: p.Price}
	}

	res := h.verifier.Verify(c.Request.Context(), verify.Request{
		PaymentID:       body.PaymentID,
		WalletAddress:   body.WalletAddress,
		TransactionHash: body.TransactionHash,
		Amount:          body.Amount,
		Products:        items,
	})
	h.respond(c, res, body.Amount)
}

func (h *Handler) respond(c *gin.Context, res verify.Result, amount string) {
	switch res.Code {
	case verify.CodeSuccess, verify.CodeAlreadyProcessed:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"order": gin.H{
				"id":            res.OrderID,
				"amount":        amount,
				"status":        "completed",
				"paymentMethod": "crypto",
			},
		})

	case verify.CodeInvalidRequest,
		verify.CodeTransactionFailed,
		verify.CodeNotSettled,
		verify.CodeWrongRecipient:
		c.JSON(http.StatusBadRequest, gin.H{"error": res.Reason})

	case verify.CodeInFlight, verify.CodeRateLimited:
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      res.Reason,
			"retryable":  true,
			"retryAfter": seconds(res.RetryAfter),
		})

	case verify.CodeServiceUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      res.Reason,
			"retryable":  true,
			"retryAfter": seconds(res.RetryAfter),
		})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     res.Reason,
			"retryable": true,
		})
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func (h *Handler) healthz(c *gin.Context) {
	blockchain := "disconnected"
	if h.monitor.Snapshot().Call {
		blockchain = "connected"
	}
	cacheState := "disconnected"
	if err := h.cache.Ping(c.Request.Context()); err == nil {
		cacheState = "connected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "up",
		"blockchain": blockchain,
		"cache":      cacheState,
	})
}
