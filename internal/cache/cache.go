// Package cache keeps read copies of store summaries in Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Clark-Hu/store-rater/internal/domain"
)

// KeyStorePrefix prefixes cached store entries.
const KeyStorePrefix = "store-rater:store:"

// KeyGenerationPrefix prefixes the per-store invalidation counters.
const KeyGenerationPrefix = "store-rater:store-gen:"

// Lookup is the result of a cache read. On a miss, Generation is the
// invalidation counter observed by the read and must be handed back to Set.
type Lookup struct {
	Store      domain.Store
	Hit        bool
	Generation int64
}

// StoreCache caches store read models. Set only stores an entry when no
// Invalidate ran since the Get that produced generation, so a reader that
// loaded a row before a concurrent write cannot put the old row back.
type StoreCache interface {
	Get(ctx context.Context, id int64) (Lookup, error)
	Set(ctx context.Context, st domain.Store, generation int64) (stored bool, err error)
	Invalidate(ctx context.Context, id int64) error
}

// Noop is used when no Redis is configured.
type Noop struct{}

func (Noop) Get(context.Context, int64) (Lookup, error)             { return Lookup{}, nil }
func (Noop) Set(context.Context, domain.Store, int64) (bool, error) { return false, nil }
func (Noop) Invalidate(context.Context, int64) error                { return nil }

// setIfCurrent writes KEYS[1] only while KEYS[2] still holds ARGV[1].
// A missing counter reads as zero.
var setIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// Redis is a StoreCache backed by go-redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis parses redisURL, pings the server and returns a cache whose
// entries expire after ttl.
func NewRedis(ctx context.Context, redisURL string, ttl time.Duration, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if logger != nil {
		logger.Named("cache").Info("connected to redis", zap.String("addr", opts.Addr), zap.Duration("ttl", ttl))
	}
	return NewRedisFromClient(client, ttl), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Close releases the Redis connection pool.
func (c *Redis) Close() error {
	return c.client.Close()
}

// Get returns the cached store together with the store's generation.
func (c *Redis) Get(ctx context.Context, id int64) (Lookup, error) {
	vals, err := c.client.MGet(ctx, StoreKey(id), GenerationKey(id)).Result()
	if err != nil {
		return Lookup{}, err
	}

	var lookup Lookup
	if raw, ok := vals[1].(string); ok {
		gen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Lookup{}, fmt.Errorf("parse generation of store %d: %w", id, err)
		}
		lookup.Generation = gen
	}

	raw, ok := vals[0].(string)
	if !ok {
		return lookup, nil
	}
	var entry storeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A malformed entry is dropped and treated as a miss.
		_ = c.client.Del(ctx, StoreKey(id)).Err()
		return lookup, nil
	}
	lookup.Store = entry.toDomain()
	lookup.Hit = true
	return lookup, nil
}

// Set stores st until the TTL expires, unless the store was invalidated
// after generation was read.
func (c *Redis) Set(ctx context.Context, st domain.Store, generation int64) (bool, error) {
	data, err := json.Marshal(newStoreEntry(st))
	if err != nil {
		return false, err
	}
	keys := []string{StoreKey(st.ID), GenerationKey(st.ID)}
	stored, err := setIfCurrent.Run(ctx, c.client, keys,
		strconv.FormatInt(generation, 10), data, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Invalidate bumps the store's generation and drops the cached entry.
func (c *Redis) Invalidate(ctx context.Context, id int64) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, GenerationKey(id))
		pipe.Del(ctx, StoreKey(id))
		return nil
	})
	return err
}

// StoreKey is the Redis key of a store entry.
func StoreKey(id int64) string {
	return KeyStorePrefix + strconv.FormatInt(id, 10)
}

// GenerationKey is the Redis key of a store's invalidation counter.
func GenerationKey(id int64) string {
	return KeyGenerationPrefix + strconv.FormatInt(id, 10)
}

type storeEntry struct {
	ID               int64     `json:"id"`
	OwnerID          *int64    `json:"ownerId,omitempty"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Address          string    `json:"address"`
	Phone            *string   `json:"phone,omitempty"`
	Website          *string   `json:"website,omitempty"`
	Featured         bool      `json:"featured"`
	RatingCount      int64     `json:"ratingCount"`
	TotalRatingValue float64   `json:"totalRatingValue"`
	AverageRating    float64   `json:"averageRating"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func newStoreEntry(st domain.Store) storeEntry {
	return storeEntry{
		ID:               st.ID,
		OwnerID:          st.OwnerID,
		Name:             st.Name,
		Description:      st.Description,
		Address:          st.Address,
		Phone:            st.Phone,
		Website:          st.Website,
		Featured:         st.Featured,
		RatingCount:      st.RatingCount,
		TotalRatingValue: st.TotalRatingValue,
		AverageRating:    st.AverageRating,
		Active:           st.Active,
		CreatedAt:        st.CreatedAt,
		UpdatedAt:        st.UpdatedAt,
	}
}

func (e storeEntry) toDomain() domain.Store {
	return domain.Store{
		ID:               e.ID,
		OwnerID:          e.OwnerID,
		Name:             e.Name,
		Description:      e.Description,
		Address:          e.Address,
		Phone:            e.Phone,
		Website:          e.Website,
		Featured:         e.Featured,
		RatingCount:      e.RatingCount,
		TotalRatingValue: e.TotalRatingValue,
		AverageRating:    e.AverageRating,
		Active:           e.Active,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}
