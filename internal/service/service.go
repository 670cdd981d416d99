package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/lomismoney/Mir01-sub000/internal/cache"
	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/lock"
	"github.com/lomismoney/Mir01-sub000/internal/store"
)

type actorKeyType struct{}

var actorKey actorKeyType

// WithActor stamps the acting user onto the context. Every ledger mutation
// records this actor in its audit transaction.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFromContext(ctx context.Context) domain.Actor {
	if actor, ok := ctx.Value(actorKey).(domain.Actor); ok && actor.Name != "" {
		return actor
	}
	return domain.Actor{Name: "system", Role: "system"}
}

// requireActor guards mutating operations: a missing actor is a hard failure,
// never a default identity.
func requireActor(ctx context.Context) (domain.Actor, error) {
	if actor, ok := ctx.Value(actorKey).(domain.Actor); ok && actor.Name != "" {
		return actor, nil
	}
	return domain.Actor{}, store.ErrUnauthenticated
}

type Options struct {
	// DefaultStoreID is the configured fallback for operations that omit a
	// store. Zero means fall back to the lowest-id store.
	DefaultStoreID       int64
	MaxRetryAttempts     int
	AllocationCrossStore bool
	TimeSeriesTTL        time.Duration
}

type Service struct {
	repo     store.Repository
	cache    cache.TimeSeriesCache
	locker   lock.Locker
	log      *logrus.Logger
	validate *validator.Validate
	opts     Options
}

func New(repo store.Repository, tsCache cache.TimeSeriesCache, locker lock.Locker, log *logrus.Logger, opts Options) *Service {
	if opts.MaxRetryAttempts < 1 {
		opts.MaxRetryAttempts = 3
	}
	if opts.TimeSeriesTTL <= 0 {
		opts.TimeSeriesTTL = time.Minute
	}
	if tsCache == nil {
		tsCache = cache.NoopTimeSeriesCache{}
	}
	if locker == nil {
		locker = lock.NoopLocker{}
	}
	return &Service{
		repo:     repo,
		cache:    tsCache,
		locker:   locker,
		log:      log,
		validate: validator.New(),
		opts:     opts,
	}
}

// resolveStore maps an optional store id to a concrete one: the given id when
// present, otherwise the configured default, otherwise the lowest-id store.
func (s *Service) resolveStore(ctx context.Context, storeID int64) (int64, error) {
	if storeID > 0 {
		if _, err := s.repo.GetStoreByID(ctx, storeID); err != nil {
			return 0, err
		}
		return storeID, nil
	}
	if s.opts.DefaultStoreID > 0 {
		if _, err := s.repo.GetStoreByID(ctx, s.opts.DefaultStoreID); err == nil {
			return s.opts.DefaultStoreID, nil
		}
	}
	st, err := s.repo.DefaultStore(ctx)
	if err != nil {
		return 0, err
	}
	return st.ID, nil
}

func (s *Service) CreateStore(ctx context.Context, st domain.Store) (*domain.Store, error) {
	return s.repo.CreateStore(ctx, st)
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	return s.repo.ListStores(ctx)
}

func (s *Service) GetStore(ctx context.Context, id int64) (*domain.Store, error) {
	return s.repo.GetStoreByID(ctx, id)
}

func (s *Service) CreateVariant(ctx context.Context, v domain.ProductVariant) (*domain.ProductVariant, error) {
	return s.repo.CreateVariant(ctx, v)
}

func (s *Service) ListVariants(ctx context.Context) ([]domain.ProductVariant, error) {
	return s.repo.ListVariants(ctx)
}

func (s *Service) GetVariant(ctx context.Context, id int64) (*domain.ProductVariant, error) {
	return s.repo.GetVariant(ctx, id)
}
