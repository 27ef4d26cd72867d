package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"im-sync/internal/imtypes"
)

const (
	typingKeyPrefix     = "typing:"
	typingChannelPrefix = "typing-events:"
)

// TypingKey 是 chatID 中 userID 的输入状态键。
func TypingKey(chatID, userID string) string {
	return typingKeyPrefix + chatID + ":" + userID
}

// TypingChannel 是 chatID 的输入状态变更频道。
func TypingChannel(chatID string) string {
	return typingChannelPrefix + chatID
}

// TypingStore 将输入状态保存为带 TTL 的键，并通过 pub/sub 推送变更。
// 键过期即删除，读取方仍按时间窗口过滤。
type TypingStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    zerolog.Logger
}

// NewTypingStore 创建一个新的 TypingStore。
func NewTypingStore(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *TypingStore {
	return &TypingStore{client: client, ttl: ttl, log: log}
}

// Set 写入 userID 在 chatID 中的输入状态并通知订阅方。
func (s *TypingStore) Set(ctx context.Context, chatID, userID string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("编码输入状态失败: %w", err)
	}
	if err := s.client.Set(ctx, TypingKey(chatID, userID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("写入输入状态失败 %s/%s: %w", chatID, userID, err)
	}
	return s.publish(ctx, chatID, imtypes.Change{Type: imtypes.ChangeModified, ID: userID, Data: data, WriteID: imtypes.WriteIDFromContext(ctx)})
}

// Clear 删除 userID 在 chatID 中的输入状态并通知订阅方。
func (s *TypingStore) Clear(ctx context.Context, chatID, userID string) error {
	if err := s.client.Del(ctx, TypingKey(chatID, userID)).Err(); err != nil {
		return fmt.Errorf("删除输入状态失败 %s/%s: %w", chatID, userID, err)
	}
	return s.publish(ctx, chatID, imtypes.Change{Type: imtypes.ChangeRemoved, ID: userID, WriteID: imtypes.WriteIDFromContext(ctx)})
}

func (s *TypingStore) publish(ctx context.Context, chatID string, c imtypes.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, TypingChannel(chatID), payload).Err(); err != nil {
		return fmt.Errorf("发布输入状态失败 %s: %w", chatID, err)
	}
	return nil
}

// List 返回 chatID 当前未过期的全部输入状态。
func (s *TypingStore) List(ctx context.Context, chatID string) ([]imtypes.Change, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, TypingKey(chatID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("扫描输入状态失败 %s: %w", chatID, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取输入状态失败 %s: %w", chatID, err)
	}
	changes := make([]imtypes.Change, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // 扫描与读取之间过期
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			s.log.Debug().Err(err).Str("key", keys[i]).Msg("跳过无法解析的输入状态")
			continue
		}
		userID := strings.TrimPrefix(keys[i], typingKeyPrefix+chatID+":")
		changes = append(changes, imtypes.Change{Type: imtypes.ChangeAdded, ID: userID, Data: data})
	}
	return changes, nil
}

// Subscribe 订阅 chatID 的输入状态变更。返回的通道在 ctx 结束或 close 被调用后关闭。
func (s *TypingStore) Subscribe(ctx context.Context, chatID string) (<-chan imtypes.Change, func() error, error) {
	pubsub := s.client.Subscribe(ctx, TypingChannel(chatID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("订阅输入状态失败 %s: %w", chatID, err)
	}

	out := make(chan imtypes.Change, 16)
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c imtypes.Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					s.log.Debug().Err(err).Str("channel", msg.Channel).Msg("跳过无法解析的输入状态事件")
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, pubsub.Close, nil
}
