package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Matches the
	// 7-day cookie lifetime handed to the web client.
	SessionTTL = 7 * 24 * time.Hour
)

// Store manages session tokens in Redis and implements Authenticator.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store connected to Redis at addr.
func NewStore(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("auth: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client, for callers that share
// one client across stores.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// CreateSession stores a new session for member and returns the opaque token.
func (s *Store) CreateSession(ctx context.Context, member Member) (string, error) {
	token := "st_" + uuid.New().String()
	key := SessionPrefix + token

	fields := map[string]interface{}{
		"member_id":    member.ID,
		"display_name": member.DisplayName,
		"anonymous":    member.Anonymous,
		"created_at":   time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("auth: create session: %w", err)
	}
	return token, nil
}

// Authenticate exchanges a session token for the member it was issued to.
// Unknown or expired tokens yield ErrUnauthorized.
func (s *Store) Authenticate(ctx context.Context, token string) (Member, error) {
	if token == "" {
		return Member{}, ErrUnauthorized
	}

	key := SessionPrefix + token
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Member{}, fmt.Errorf("auth: session lookup: %w", err)
	}
	if len(fields) == 0 || fields["member_id"] == "" {
		return Member{}, ErrUnauthorized
	}

	return Member{
		ID:          fields["member_id"],
		DisplayName: fields["display_name"],
		Anonymous:   fields["anonymous"] == "1" || fields["anonymous"] == "true",
	}, nil
}

// Delete removes a session (logout). Deleting an unknown token is not an
// error.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, SessionPrefix+token).Err()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, token string) error {
	return s.client.Expire(ctx, SessionPrefix+token, SessionTTL).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
