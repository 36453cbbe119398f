package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"secondbrain/api/internal/log"
	"secondbrain/api/internal/model"
)

func setupTestCache(t *testing.T, limits Limits) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisCache(client, RedisOptions{Prefix: "test:", Limits: limits, Logger: log.Discard()})
	return cache, s
}

func TestRedisCacheChatOldestFirst(t *testing.T) {
	base, _ := setupTestCache(t, Limits{})
	cache := base.ForOwner("u2")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := model.ChatMessage{ID: fmt.Sprintf("m%d", i), Content: fmt.Sprintf("hello %d", i)}
		if err := cache.AppendChat(ctx, "r1", msg); err != nil {
			t.Fatalf("AppendChat failed: %v", err)
		}
	}

	got := cache.ChatHistory(ctx, "r1")
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].ID != "m0" || got[2].ID != "m2" {
		t.Errorf("expected oldest first, got %s..%s", got[0].ID, got[2].ID)
	}
}

func TestRedisCacheEditsNewestFirstAndBounded(t *testing.T) {
	base, _ := setupTestCache(t, Limits{Edit: 5})
	cache := base.ForOwner("u1")
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		edit := model.CollaborativeEdit{ID: fmt.Sprintf("e%d", i), Field: "title"}
		if err := cache.AppendEdit(ctx, "r1", edit); err != nil {
			t.Fatalf("AppendEdit failed: %v", err)
		}
	}

	got := cache.EditHistory(ctx, "r1")
	if len(got) != 5 {
		t.Fatalf("expected 5 edits, got %d", len(got))
	}
	if got[0].ID != "e7" || got[4].ID != "e3" {
		t.Errorf("expected e7..e3, got %s..%s", got[0].ID, got[4].ID)
	}
}

func TestRedisCacheChatBounded(t *testing.T) {
	base, _ := setupTestCache(t, Limits{Chat: 2})
	cache := base.ForOwner("u1")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cache.AppendChat(ctx, "r1", model.ChatMessage{ID: fmt.Sprintf("m%d", i)})
	}
	got := cache.ChatHistory(ctx, "r1")
	if len(got) != 2 || got[0].ID != "m2" || got[1].ID != "m3" {
		t.Fatalf("unexpected retained chat: %+v", got)
	}
}

func TestRedisCacheOwnerIsolation(t *testing.T) {
	base, _ := setupTestCache(t, Limits{})
	ctx := context.Background()

	if err := base.ForOwner("u1").AppendChat(ctx, "r1", model.ChatMessage{ID: "m1"}); err != nil {
		t.Fatalf("AppendChat failed: %v", err)
	}
	if got := base.ForOwner("u2").ChatHistory(ctx, "r1"); len(got) != 0 {
		t.Fatalf("expected u2 history to be empty, got %+v", got)
	}
	if got := base.ForOwner("u1").ChatHistory(ctx, "r2"); len(got) != 0 {
		t.Fatalf("expected r2 history to be empty, got %+v", got)
	}
}

func TestRedisCacheSkipsMalformedEntries(t *testing.T) {
	base, s := setupTestCache(t, Limits{})
	cache := base.ForOwner("u1")
	ctx := context.Background()

	if _, err := s.Push("test:history:u1:r1:chat", "{not json"); err != nil {
		t.Fatalf("seed malformed entry: %v", err)
	}
	_ = cache.AppendChat(ctx, "r1", model.ChatMessage{ID: "m1"})

	got := cache.ChatHistory(ctx, "r1")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("expected only the valid entry, got %+v", got)
	}
}

func TestRedisCacheUnavailableReadsEmpty(t *testing.T) {
	base, s := setupTestCache(t, Limits{})
	cache := base.ForOwner("u1")
	s.Close()

	if got := cache.ChatHistory(context.Background(), "r1"); got == nil || len(got) != 0 {
		t.Fatalf("expected empty chat history, got %+v", got)
	}
	if got := cache.EditHistory(context.Background(), "r1"); got == nil || len(got) != 0 {
		t.Fatalf("expected empty edit history, got %+v", got)
	}
}

func TestRedisCacheTTL(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, RedisOptions{Prefix: "test:", TTL: time.Hour, Logger: log.Discard()}).ForOwner("u1")
	ctx := context.Background()

	_ = cache.AppendChat(ctx, "r1", model.ChatMessage{ID: "m1"})
	s.FastForward(2 * time.Hour)

	if got := cache.ChatHistory(ctx, "r1"); len(got) != 0 {
		t.Fatalf("expected idle history to expire, got %+v", got)
	}
}

func TestMemoryCacheMatchesOrdering(t *testing.T) {
	cache := NewMemoryCaches(Limits{Chat: 2, Edit: 2}).ForOwner("u1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cache.AppendChat(ctx, "r1", model.ChatMessage{ID: fmt.Sprintf("m%d", i)})
		_ = cache.AppendEdit(ctx, "r1", model.CollaborativeEdit{ID: fmt.Sprintf("e%d", i)})
	}
	chat := cache.ChatHistory(ctx, "r1")
	if len(chat) != 2 || chat[0].ID != "m1" || chat[1].ID != "m2" {
		t.Fatalf("unexpected chat: %+v", chat)
	}
	edits := cache.EditHistory(ctx, "r1")
	if len(edits) != 2 || edits[0].ID != "e2" || edits[1].ID != "e1" {
		t.Fatalf("unexpected edits: %+v", edits)
	}
}

func TestCacheAppendIgnoresKnownIDs(t *testing.T) {
	redisCache, _ := setupTestCache(t, Limits{})
	caches := map[string]Cache{
		"redis":  redisCache.ForOwner("u1"),
		"memory": NewMemoryCache(Limits{}),
	}
	for name, cache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			msg := model.ChatMessage{ID: "msg_1", Content: "hello"}
			edit := model.CollaborativeEdit{ID: "edit_1", Field: "title"}

			// The sending tab and a sibling tab of the same user both record
			// the same entries.
			for i := 0; i < 2; i++ {
				if err := cache.AppendChat(ctx, "r1", msg); err != nil {
					t.Fatalf("AppendChat failed: %v", err)
				}
				if err := cache.AppendEdit(ctx, "r1", edit); err != nil {
					t.Fatalf("AppendEdit failed: %v", err)
				}
			}
			_ = cache.AppendChat(ctx, "r1", model.ChatMessage{Content: "no id"})
			_ = cache.AppendChat(ctx, "r1", model.ChatMessage{Content: "no id"})

			if got := cache.ChatHistory(ctx, "r1"); len(got) != 3 || got[0].ID != "msg_1" {
				t.Fatalf("expected msg_1 once plus two id-less messages, got %+v", got)
			}
			if got := cache.EditHistory(ctx, "r1"); len(got) != 1 {
				t.Fatalf("expected edit_1 once, got %+v", got)
			}
		})
	}
}
