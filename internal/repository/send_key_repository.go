package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingSendKey = "pending"

// SendClaim is the result of claiming a client message id.
type SendClaim struct {
	// Claimed is true when the caller owns the send and must persist it.
	Claimed bool
	// MessageID is set when an earlier send with the same key completed.
	MessageID string
}

// InFlight reports whether another send with the same key is still running.
func (c SendClaim) InFlight() bool {
	return !c.Claimed && c.MessageID == ""
}

// SendKeyStore deduplicates retried sends by (ticket, client message id).
type SendKeyStore interface {
	Claim(ctx context.Context, ticketID, clientMessageID string) (SendClaim, error)
	Complete(ctx context.Context, ticketID, clientMessageID, messageID string) error
	Release(ctx context.Context, ticketID, clientMessageID string) error
}

type redisSendKeyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSendKeyStore keeps claims in Redis so retries are recognised
// across server instances.
func NewRedisSendKeyStore(client *redis.Client, ttl time.Duration) SendKeyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisSendKeyStore{client: client, ttl: ttl}
}

func sendKey(ticketID, clientMessageID string) string {
	return fmt.Sprintf("support:sendkey:%s:%s", ticketID, clientMessageID)
}

func (s *redisSendKeyStore) Claim(ctx context.Context, ticketID, clientMessageID string) (SendClaim, error) {
	key := sendKey(ticketID, clientMessageID)
	ok, err := s.client.SetNX(ctx, key, pendingSendKey, s.ttl).Result()
	if err != nil {
		return SendClaim{}, fmt.Errorf("claim send key: %w", err)
	}
	if ok {
		return SendClaim{Claimed: true}, nil
	}

	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired or released between SETNX and GET; try once more
		ok, err = s.client.SetNX(ctx, key, pendingSendKey, s.ttl).Result()
		if err != nil {
			return SendClaim{}, fmt.Errorf("claim send key: %w", err)
		}
		return SendClaim{Claimed: ok}, nil
	}
	if err != nil {
		return SendClaim{}, fmt.Errorf("read send key: %w", err)
	}
	if value == pendingSendKey {
		return SendClaim{}, nil
	}
	return SendClaim{MessageID: value}, nil
}

func (s *redisSendKeyStore) Complete(ctx context.Context, ticketID, clientMessageID, messageID string) error {
	return s.client.Set(ctx, sendKey(ticketID, clientMessageID), messageID, s.ttl).Err()
}

func (s *redisSendKeyStore) Release(ctx context.Context, ticketID, clientMessageID string) error {
	return s.client.Del(ctx, sendKey(ticketID, clientMessageID)).Err()
}

type sendKeyEntry struct {
	messageID string
	expiresAt time.Time
}

// MemorySendKeyStore is the single-instance fallback used when REDIS_ADDR
// is not configured.
type MemorySendKeyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]sendKeyEntry
}

// NewMemorySendKeyStore builds an in-process SendKeyStore.
func NewMemorySendKeyStore(ttl time.Duration, now func() time.Time) *MemorySendKeyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &MemorySendKeyStore{ttl: ttl, now: now, entries: make(map[string]sendKeyEntry)}
}

func (s *MemorySendKeyStore) Claim(_ context.Context, ticketID, clientMessageID string) (SendClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sendKey(ticketID, clientMessageID)
	now := s.now()
	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(now) {
		return SendClaim{MessageID: entry.messageID}, nil
	}
	s.entries[key] = sendKeyEntry{expiresAt: now.Add(s.ttl)}
	return SendClaim{Claimed: true}, nil
}

func (s *MemorySendKeyStore) Complete(_ context.Context, ticketID, clientMessageID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sendKey(ticketID, clientMessageID)] = sendKeyEntry{
		messageID: messageID,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemorySendKeyStore) Release(_ context.Context, ticketID, clientMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sendKey(ticketID, clientMessageID))
	return nil
}
