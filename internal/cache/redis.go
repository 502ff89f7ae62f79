package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/spread"
)

const keyPrefix = "spreadwatch:latest:"

// Latest is the cached view of a pairing's most recent observation.
type Latest struct {
	Pairing    string          `json:"pairing"`
	SpreadPct  decimal.Decimal `json:"spread_pct"`
	LegA       decimal.Decimal `json:"leg_a"`
	LegB       decimal.Decimal `json:"leg_b"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Redis keeps the latest observation per pairing with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

// Key returns the cache key for a pairing.
func Key(pairing string) string {
	return keyPrefix + pairing
}

// SetLatest stores obs under the pairing key.
func (r *Redis) SetLatest(ctx context.Context, obs spread.Observation) error {
	data, err := json.Marshal(fromObservation(obs))
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}
	if err := r.client.Set(ctx, Key(obs.Pairing), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set latest observation: %w", err)
	}
	return nil
}

// GetLatest returns nil without error when the pairing has no fresh entry.
func (r *Redis) GetLatest(ctx context.Context, pairing string) (*Latest, error) {
	data, err := r.client.Get(ctx, Key(pairing)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest observation: %w", err)
	}
	return decodeLatest(data)
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func fromObservation(obs spread.Observation) Latest {
	return Latest{
		Pairing:    obs.Pairing,
		SpreadPct:  obs.SpreadPct,
		LegA:       obs.LegA,
		LegB:       obs.LegB,
		ObservedAt: obs.ObservedAt.UTC(),
	}
}

func decodeLatest(data []byte) (*Latest, error) {
	var latest Latest
	if err := json.Unmarshal(data, &latest); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}
	return &latest, nil
}
