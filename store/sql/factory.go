package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-deploysync/ratelimit"
)

// RepositoryFactory builds every store over one bun database.
type RepositoryFactory struct {
	db *bun.DB

	ledgerStore          *LedgerStore
	webhookDeliveryStore *WebhookDeliveryStore
	bucketStateStore     *BucketStateStore
	stateStore           ratelimit.StateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.ledgerStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) LedgerStore() *LedgerStore {
	if f == nil {
		return nil
	}
	return f.ledgerStore
}

func (f *RepositoryFactory) WebhookDeliveryStore() *WebhookDeliveryStore {
	if f == nil {
		return nil
	}
	return f.webhookDeliveryStore
}

func (f *RepositoryFactory) BucketStateStore() *BucketStateStore {
	if f == nil {
		return nil
	}
	return f.bucketStateStore
}

// RateLimitStateStore is the store the adaptive policy should use: the bucket
// table, read through the state cache once UseStateCache is called.
func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.stateStore
}

// UseStateCache routes bucket reads through cacheService. A nil service
// restores direct reads.
func (f *RepositoryFactory) UseStateCache(cacheService repositorycache.CacheService) {
	if f == nil || f.bucketStateStore == nil {
		return
	}
	if cacheService == nil {
		f.stateStore = f.bucketStateStore
		return
	}
	f.stateStore = &cachedBucketStateStore{base: f.bucketStateStore, cache: cacheService}
}

func (f *RepositoryFactory) initStores() error {
	ledgerStore, err := NewLedgerStore(f.db)
	if err != nil {
		return err
	}
	webhookDeliveryStore, err := NewWebhookDeliveryStore(f.db)
	if err != nil {
		return err
	}
	bucketStateStore, err := NewBucketStateStore(f.db)
	if err != nil {
		return err
	}
	f.ledgerStore = ledgerStore
	f.webhookDeliveryStore = webhookDeliveryStore
	f.bucketStateStore = bucketStateStore
	f.stateStore = bucketStateStore
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
