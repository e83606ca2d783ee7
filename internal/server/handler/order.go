package handler

import (
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// OrderHandler serves read-only lookups of orders and cache slots.
type OrderHandler struct {
	orders domain.OrderStore
	caches domain.CacheStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders domain.OrderStore, caches domain.CacheStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, caches: caches, logger: logger}
}

type orderResponse struct {
	ID                string                   `json:"id"`
	Kind              domain.OrderKind         `json:"kind"`
	Side              domain.Side              `json:"side"`
	Maker             string                   `json:"maker"`
	Contract          string                   `json:"contract"`
	TokenSetID        string                   `json:"tokenSetId"`
	Price             string                   `json:"price,omitempty"`
	QuantityRemaining string                   `json:"quantityRemaining,omitempty"`
	Fillability       domain.FillabilityStatus `json:"fillabilityStatus"`
	Approval          domain.ApprovalStatus    `json:"approvalStatus"`
	Status            domain.OrderEventStatus  `json:"status"`
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// GetOrder returns one order's state.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusOf(err), "order not found")
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{
		ID:                o.ID,
		Kind:              o.Kind,
		Side:              o.Side,
		Maker:             o.Maker.Hex(),
		Contract:          o.Contract.Hex(),
		TokenSetID:        o.TokenSetID,
		Price:             bigString(o.Price),
		QuantityRemaining: bigString(o.QuantityRemaining),
		Fillability:       o.FillabilityStatus,
		Approval:          o.ApprovalStatus,
		Status:            o.Status().EventStatus(),
	})
}

// GetTokenCache returns a token-scoped cache slot.
// GET /api/caches/{kind}/tokens/{contract}/{tokenId}
func (h *OrderHandler) GetTokenCache(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseCacheKind(r.PathValue("kind"))
	if !ok || !kind.TokenScoped() {
		writeError(w, http.StatusBadRequest, "unknown token cache kind")
		return
	}
	contract := r.PathValue("contract")
	tokenID, ok := new(big.Int).SetString(r.PathValue("tokenId"), 10)
	if !common.IsHexAddress(contract) || !ok {
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}
	ref := domain.TokenRef{Contract: common.HexToAddress(contract), TokenID: tokenID}
	h.writeSlot(w, r, kind, domain.CacheTarget{Token: &ref})
}

// GetCollectionCache returns a collection-scoped cache slot.
// GET /api/caches/{kind}/collections/{id}
func (h *OrderHandler) GetCollectionCache(w http.ResponseWriter, r *http.Request) {
	kind, ok := domain.ParseCacheKind(r.PathValue("kind"))
	if !ok || kind.TokenScoped() {
		writeError(w, http.StatusBadRequest, "unknown collection cache kind")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if common.IsHexAddress(id) {
		id = common.HexToAddress(id).Hex()
	}
	h.writeSlot(w, r, kind, domain.CacheTarget{CollectionID: id})
}

func (h *OrderHandler) writeSlot(w http.ResponseWriter, r *http.Request, kind domain.CacheKind, target domain.CacheTarget) {
	slot, err := h.caches.Get(r.Context(), kind, target)
	if err != nil {
		if statusOf(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "read cache failed", slog.String("kind", kind.String()), slog.String("error", err.Error()))
		}
		writeError(w, statusOf(err), "cache slot not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind.String(), "slot": slot})
}
