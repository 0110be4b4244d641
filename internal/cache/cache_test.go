package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/percept/internal/config"
)

func TestMakeKey_IgnoresOrderAndNumericRepr(t *testing.T) {
	t.Parallel()

	a := MakeKey("raw", map[string]any{"user_input": "hello", "n": 1, "flag": true})
	b := MakeKey("raw", map[string]any{"flag": true, "n": 1.0, "user_input": "hello"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, MakeKey("other", map[string]any{"user_input": "hello", "n": 1, "flag": true}))
	assert.NotEqual(t, a, MakeKey("raw", map[string]any{"user_input": "hello", "n": 2, "flag": true}))
}

func TestMakeKey_NormalizesContainers(t *testing.T) {
	t.Parallel()

	a := MakeKey("raw", map[string]any{"vars": map[string]any{"b": 1, "a": "<x>"}, "none": nil})
	b := MakeKey("raw", map[string]any{"none": nil, "vars": map[string]any{"a": "<x>", "b": 1}})
	assert.Equal(t, a, b)

	assert.Equal(t, "None", normalize(nil))
	assert.Equal(t, "true", normalize(true))
	assert.Equal(t, "0.1234567891", normalize(0.12345678912345))
	assert.Equal(t, `{"a":"<x>","b":[1,2]}`, normalize(map[string]any{"b": []int{1, 2}, "a": "<x>"}))
}

func TestMemory_LRUEvictsFirstInserted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	const capacity, extra = 4, 3
	m, err := NewMemory(capacity, 0)
	require.NoError(t, err)

	for i := range capacity + extra {
		require.True(t, m.Set(ctx, "k"+strconv.Itoa(i), i).Success)
	}

	assert.Equal(t, extra, m.Evictions())
	for i := range extra {
		assert.False(t, m.Get(ctx, "k"+strconv.Itoa(i)).Hit(), "k%d should be evicted", i)
	}
	for i := extra; i < capacity+extra; i++ {
		assert.True(t, m.Get(ctx, "k"+strconv.Itoa(i)).Hit(), "k%d should be kept", i)
	}
}

func TestMemory_GetRefreshesRecency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewMemory(2, 0)
	require.NoError(t, err)

	m.Set(ctx, "a", 1)
	m.Set(ctx, "b", 2)
	require.True(t, m.Get(ctx, "a").Hit())
	m.Set(ctx, "c", 3)

	assert.True(t, m.Get(ctx, "a").Hit())
	assert.False(t, m.Get(ctx, "b").Hit())
}

func TestMemory_TTLMissesAfterExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m, err := NewMemory(8, time.Minute, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	m.Set(ctx, "k", "v")
	now = now.Add(time.Minute)
	assert.True(t, m.Get(ctx, "k").Hit(), "exactly ttl is still fresh")

	now = now.Add(time.Nanosecond)
	res := m.Get(ctx, "k")
	assert.False(t, res.Success)
	assert.Equal(t, ErrMiss.Error(), res.Error)
	assert.Zero(t, m.Len(), "expired entry is evicted lazily")
	assert.Zero(t, m.Evictions(), "expiry is not a capacity eviction")
}

func TestMemory_DeleteClearKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewMemory(8, 0)
	require.NoError(t, err)

	m.Set(ctx, "a", 1)
	m.Set(ctx, "b", 2)
	m.Set(ctx, "c", 3)
	require.True(t, m.Delete(ctx, "b").Success)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)

	require.True(t, m.Clear(ctx).Success)
	keys, err = m.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, m.Evictions())
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewMemory(16, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := fmt.Sprintf("w%d-%d", w, i%20)
				m.Set(ctx, key, i)
				_ = m.Get(ctx, key)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Len(), 16)
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	record := map[string]any{
		"basic_data": map[string]any{
			"id":     "0b9e",
			"source": map[string]any{"content": "今天和张三去公园散步。"},
		},
		"visual": map[string]any{
			"summary":  "看到<花>",
			"evidence": []any{"公园", "花"},
			"events": []any{
				map[string]any{"experiencer": "张三", "intensity": 0.5, "present": true},
			},
		},
	}

	raw, err := Marshal(record)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\\u003c", "html is not escaped")
	assert.NotContains(t, string(raw), "\n", "no indentation")
	assert.True(t, strings.Contains(string(raw), "张三"), "non-ascii preserved")

	back, err := Unmarshal(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(record, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	type item struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Score float64  `json:"score"`
	}
	in := item{Name: "a", Tags: []string{"x"}, Score: 1.5}

	tree, err := Encode(in)
	require.NoError(t, err)
	assert.IsType(t, map[string]any{}, tree)

	var out item
	require.NoError(t, Decode(tree, &out))
	assert.Equal(t, in, out)
}

func TestNew_SelectsMemory(t *testing.T) {
	t.Parallel()

	c, err := New(context.Background(), config.StorageConfig{Backend: config.StorageLocal, MaxSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.IsType(t, &Memory{}, c)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("PERCEPT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PERCEPT_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("percept:test:%d:", time.Now().UnixNano())
	c := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix, time.Minute)
	t.Cleanup(func() {
		c.Clear(ctx)
		_ = c.Close()
	})

	miss := c.Get(ctx, "absent")
	assert.False(t, miss.Success)
	assert.Equal(t, ErrMiss.Error(), miss.Error)

	value := map[string]any{"summary": "张三", "n": 1.0}
	require.True(t, c.Set(ctx, "k1", value).Success)
	require.True(t, c.Set(ctx, "k2", "v").Success)

	got := c.Get(ctx, "k1")
	require.True(t, got.Hit())
	assert.Equal(t, value, got.Data)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)

	require.True(t, c.Delete(ctx, "k1").Success)
	assert.False(t, c.Get(ctx, "k1").Hit())
}
