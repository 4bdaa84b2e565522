package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"lsm/src/types"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Intent is a payment started with a third-party method and not yet
// confirmed by its callback.
type Intent struct {
	TransactionID string              `json:"transaction_id"`
	OrderID       uint                `json:"order_id"`
	UserID        uint                `json:"user_id"`
	Method        types.PaymentMethod `json:"method"`
	Amount        decimal.Decimal     `json:"amount"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

type IntentStore interface {
	Save(ctx context.Context, intent Intent, ttl time.Duration) error
	// Get returns nil when the intent is unknown or has expired.
	Get(ctx context.Context, txnID string) (*Intent, error)
}

type RedisIntentStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIntentStore(client *redis.Client) *RedisIntentStore {
	return &RedisIntentStore{client: client, prefix: "payment:intent:"}
}

func (s *RedisIntentStore) key(txnID string) string {
	return s.prefix + txnID
}

func (s *RedisIntentStore) Save(ctx context.Context, intent Intent, ttl time.Duration) error {
	b, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(intent.TransactionID), string(b), ttl).Err(); err != nil {
		return fmt.Errorf("save payment intent %s: %w", intent.TransactionID, err)
	}
	return nil
}

func (s *RedisIntentStore) Get(ctx context.Context, txnID string) (*Intent, error) {
	val, err := s.client.Get(ctx, s.key(txnID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment intent %s: %w", txnID, err)
	}
	var intent Intent
	if err := json.Unmarshal([]byte(val), &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

type MemoryIntentStore struct {
	mu      sync.Mutex
	now     func() time.Time
	intents map[string]memIntent
}

type memIntent struct {
	intent   Intent
	deadline time.Time
}

func NewMemoryIntentStore(now func() time.Time) *MemoryIntentStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryIntentStore{now: now, intents: map[string]memIntent{}}
}

func (s *MemoryIntentStore) Save(ctx context.Context, intent Intent, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.TransactionID] = memIntent{intent: intent, deadline: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIntentStore) Get(ctx context.Context, txnID string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[txnID]
	if !ok || !s.now().Before(it.deadline) {
		return nil, nil
	}
	intent := it.intent
	return &intent, nil
}
