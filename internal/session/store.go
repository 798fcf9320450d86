package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/protocol"
)

const (
	// OnlineSetKey is the Redis set holding every mirrored online user id.
	OnlineSetKey = "presence:online"

	// UserPrefix is the Redis key prefix for per-user presence hashes.
	UserPrefix = "presence:user:"

	// PresenceTTL is the time-to-live for per-user presence hashes. It is
	// refreshed on every relayed message from the user.
	PresenceTTL = 1 * time.Hour
)

// releaseScript removes a user's presence only if the hash still belongs to
// the given connection, so a late offline from a superseded connection
// (possibly on another relay instance) cannot erase a newer registration.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Presence is the mirrored state of one online user.
type Presence struct {
	UserID      string `redis:"user_id"`
	ConnID      string `redis:"conn_id"`
	Server      string `redis:"server"`       // which relay instance holds the connection
	OnlineSince int64  `redis:"online_since"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store mirrors presence transitions into Redis. It satisfies relay.Observer.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new presence mirror connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetOnline records userID as online on connID.
func (s *Store) SetOnline(ctx context.Context, userID, connID string) error {
	key := UserPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"conn_id":      connID,
		"server":       s.serverName,
		"online_since": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, PresenceTTL)
	pipe.SAdd(ctx, OnlineSetKey, userID)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes userID's presence if it is still held by connID. It
// reports whether anything was removed.
func (s *Store) SetOffline(ctx context.Context, userID, connID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{UserPrefix + userID, OnlineSetKey}, connID, userID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Touch updates last_active and refreshes the TTL of an online user. It is a
// no-op for users without a presence hash.
func (s *Store) Touch(ctx context.Context, userID string) error {
	key := UserPrefix + userID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a user's presence. Returns nil if the user is not online.
func (s *Store) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, UserPrefix+userID).Scan(&p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// IsOnline reports whether userID is mirrored as online.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.client.SIsMember(ctx, OnlineSetKey, userID).Result()
}

// Online returns every mirrored online user id, in no particular order.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, OnlineSetKey).Result()
}

// ClearServer removes every presence row owned by this relay instance. It is
// run at startup: connections from a previous process are gone.
func (s *Store) ClearServer(ctx context.Context) (int, error) {
	users, err := s.Online(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, userID := range users {
		p, err := s.Get(ctx, userID)
		if err != nil {
			return cleared, err
		}
		if p == nil {
			// Hash expired; drop the dangling set member.
			s.client.SRem(ctx, OnlineSetKey, userID)
			continue
		}
		if p.Server != s.serverName {
			continue
		}
		if ok, err := s.SetOffline(ctx, userID, p.ConnID); err != nil {
			return cleared, err
		} else if ok {
			cleared++
		}
	}
	return cleared, nil
}

// UserOnline implements relay.Observer.
func (s *Store) UserOnline(ctx context.Context, userID, connID string) {
	if err := s.SetOnline(ctx, userID, connID); err != nil {
		log.Printf("[session] failed to mirror online user=%s: %v", userID, err)
	}
}

// UserOffline implements relay.Observer.
func (s *Store) UserOffline(ctx context.Context, userID, connID string) {
	if _, err := s.SetOffline(ctx, userID, connID); err != nil {
		log.Printf("[session] failed to mirror offline user=%s: %v", userID, err)
	}
}

// MessageRelayed implements relay.Observer by refreshing the sender's
// activity stamp.
func (s *Store) MessageRelayed(ctx context.Context, msg protocol.ChatPayload, _ bool) {
	if err := s.Touch(ctx, msg.SenderID); err != nil {
		log.Printf("[session] failed to touch user=%s: %v", msg.SenderID, err)
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
