package orderupdates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orderbookd/internal/domain"
	"github.com/alanyoungcy/orderbookd/internal/floor"
	"github.com/alanyoungcy/orderbookd/internal/queue"
)

// Flags applies token flag updates.
type Flags struct {
	tokens domain.TokenStore
	caches domain.CacheStore
	queue  queue.Enqueuer
	logger *slog.Logger
}

// NewFlags creates a Flags handler.
func NewFlags(tokens domain.TokenStore, caches domain.CacheStore, enq queue.Enqueuer, logger *slog.Logger) *Flags {
	return &Flags{
		tokens: tokens,
		caches: caches,
		queue:  enq,
		logger: logger.With(slog.String("component", "token-flags")),
	}
}

// Process implements queue.Handler.
func (h *Flags) Process(ctx context.Context, job *domain.Job) (any, error) {
	upd, err := queue.Decode[domain.TokenFlagUpdate](job)
	if err != nil {
		return nil, err
	}
	return nil, h.Apply(ctx, upd)
}

// Apply sets the flag. A change always recomputes the collection's
// non-flagged floor, through the revalidation path so it cannot be dropped.
func (h *Flags) Apply(ctx context.Context, upd domain.TokenFlagUpdate) error {
	changed, err := h.tokens.SetFlagged(ctx, upd.Token, upd.IsFlagged)
	if err != nil {
		return fmt.Errorf("orderupdates: set flagged %s: %w", upd.Token, err)
	}
	if !changed {
		return nil
	}

	collectionID, err := h.caches.CollectionOf(ctx, upd.Token)
	if err != nil {
		return fmt.Errorf("orderupdates: collection of %s: %w", upd.Token, err)
	}
	if collectionID == "" {
		return nil
	}

	h.logger.Info("token flag changed",
		slog.String("token", upd.Token.String()),
		slog.Bool("flagged", upd.IsFlagged),
	)
	job := domain.CacheJob{
		Context:      upd.Context,
		Kind:         domain.CacheCollectionNonFlaggedFloor,
		Token:        &upd.Token,
		CollectionID: collectionID,
		Trigger:      domain.NewTrigger(domain.TriggerRevalidation),
	}
	if _, err := floor.Enqueue(ctx, h.queue, job); err != nil {
		return fmt.Errorf("orderupdates: enqueue non-flagged floor for %s: %w", collectionID, err)
	}
	return nil
}

var _ queue.Handler = (*Flags)(nil)
