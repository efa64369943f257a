package tokencache

import (
	"context"

	"github.com/BetaCatPro/wsevent/pkg/types"
)

// TokenStorage 凭证存储接口，刷新器只依赖该接口，可替换为其他后端
type TokenStorage interface {
	Store(ctx context.Context, key string, record types.TokenRecord) error
	Retrieve(ctx context.Context, key string) (types.TokenRecord, bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Store 实现 TokenStorage
func (c *Cache) Store(_ context.Context, key string, record types.TokenRecord) error {
	c.Put(key, record)
	return nil
}

// Retrieve 实现 TokenStorage
func (c *Cache) Retrieve(_ context.Context, key string) (types.TokenRecord, bool, error) {
	r, ok := c.Get(key)
	return r, ok, nil
}

// Delete 实现 TokenStorage
func (c *Cache) Delete(_ context.Context, key string) error {
	c.Remove(key)
	return nil
}

// List 实现 TokenStorage
func (c *Cache) List(_ context.Context) ([]string, error) {
	return c.Keys(), nil
}

var (
	_ TokenStorage = (*Cache)(nil)
	_ TokenStorage = (*RedisStorage)(nil)
)
