package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRedisKeyPrefix は失効エントリのキー接頭辞。
const defaultRedisKeyPrefix = "maitri:revoked:"

// RedisRevocations はRedisで失効情報を共有する RevocationStore。
// 複数インスタンス構成で、どのインスタンスで失効させても全体に反映される。
// エントリはトークンの有効期限をTTLとして自動的に削除される。
type RedisRevocations struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisRevocations は新しい RedisRevocations を生成する。
func NewRedisRevocations(client redis.Cmdable) *RedisRevocations {
	return &RedisRevocations{
		client: client,
		prefix: defaultRedisKeyPrefix,
		now:    time.Now,
	}
}

// OpenRedis はURL（redis://...）からRedisクライアントを生成し、疎通を確認する。
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// Revoke はjtiをuntilまで失効済みとして記録する。untilが過去の場合は何もしない。
func (r *RedisRevocations) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.prefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("失効エントリの書き込みに失敗: %w", err)
	}
	return nil
}

// IsRevoked はjtiが失効済みかどうかを返す。
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("失効エントリの照会に失敗: %w", err)
	}
	return n > 0, nil
}
