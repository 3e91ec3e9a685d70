package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cinema/internal/cache"
	"github.com/fjod/go_cinema/internal/catalog"
	"github.com/fjod/go_cinema/internal/domain"
	"github.com/fjod/go_cinema/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var ErrAlreadyOwned = fmt.Errorf("%w: item already purchased", domain.ErrConflict)

type Service struct {
	repo    repository.CartRepository
	store   repository.Store
	catalog catalog.Catalog
	cache   cache.CartCache
	log     *slog.Logger
	now     func() time.Time
	sfg     singleflight.Group // prevents cache stampede
}

func NewService(repo repository.CartRepository, store repository.Store, cat catalog.Catalog, c cache.CartCache, log *slog.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	return &Service{
		repo:    repo,
		store:   store,
		catalog: cat,
		cache:   c,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetCart(ctx context.Context, userID uuid.UUID) (*domain.Cart, error) {
	v, err, _ := s.sfg.Do(userID.String(), func() (interface{}, error) {
		c, err := s.cache.Get(ctx, userID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.WarnContext(ctx, "cart cache get failed", "user_id", userID, "error", err)
		}

		c, err = s.repo.GetCart(ctx, userID)
		if errors.Is(err, repository.ErrCartNotFound) {
			now := s.now()
			return &domain.Cart{UserID: userID, Items: []domain.CartItem{}, CreatedAt: now, UpdatedAt: now}, nil
		}
		if err != nil {
			return nil, err
		}

		if err := s.cache.Set(ctx, userID, c); err != nil {
			s.log.WarnContext(ctx, "cart cache set failed", "user_id", userID, "error", err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

// AddItem puts a catalog item into the cart at its current price. Adding an
// item that is already in the cart leaves the cart unchanged.
func (s *Service) AddItem(ctx context.Context, userID uuid.UUID, itemID int64) (*domain.Cart, error) {
	item, err := s.catalog.Lookup(ctx, itemID)
	if err != nil {
		return nil, err
	}

	var owned bool
	err = s.store.WithTx(ctx, func(q repository.Queries) (err error) {
		owned, err = q.HasPurchased(ctx, userID, itemID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check purchases: %w", err)
	}
	if owned {
		return nil, ErrAlreadyOwned
	}

	added, err := s.repo.AddItem(ctx, userID, domain.CartItem{
		ItemID:    item.ID,
		Name:      item.Name,
		UnitPrice: item.Price,
		AddedAt:   s.now(),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "repo add item failed", "user_id", userID, "item_id", itemID, "error", err)
		return nil, err
	}
	if added {
		s.invalidateCache(userID)
	}
	return s.GetCart(ctx, userID)
}

func (s *Service) RemoveItem(ctx context.Context, userID uuid.UUID, itemID int64) error {
	err := s.repo.RemoveItem(ctx, userID, itemID)
	if errors.Is(err, repository.ErrCartNotFound) {
		err = repository.ErrItemNotFound
	}
	if err != nil {
		return err
	}
	s.invalidateCache(userID)
	return nil
}

func (s *Service) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.DeleteCart(ctx, userID); err != nil {
		s.log.ErrorContext(ctx, "repo clear cart failed", "user_id", userID, "error", err)
		return err
	}
	s.invalidateCache(userID)
	return nil
}

// Snapshot reads the cart straight from the repository, bypassing the cache.
func (s *Service) Snapshot(ctx context.Context, userID uuid.UUID) (domain.CartSnapshot, error) {
	c, err := s.repo.GetCart(ctx, userID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return domain.CartSnapshot{}, domain.ErrEmptyCart
	}
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	if len(c.Items) == 0 {
		return domain.CartSnapshot{}, domain.ErrEmptyCart
	}
	return domain.NewSnapshot(c, s.now()), nil
}

// RemoveSnapshot removes the snapshotted items only; anything added after the
// snapshot was taken stays in the cart.
func (s *Service) RemoveSnapshot(ctx context.Context, snap domain.CartSnapshot) error {
	if err := s.repo.RemoveItems(ctx, snap.UserID, snap.ItemIDs()); err != nil {
		return err
	}
	s.invalidateCache(snap.UserID)
	return nil
}

func (s *Service) invalidateCache(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.log.Warn("cart cache invalidate failed", "user_id", userID, "error", err)
	}
}
