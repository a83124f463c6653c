package access

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	calls atomic.Int32
	next  SourceLoader
}

func (l *countingLoader) Load(ctx context.Context, principalID int64) (Sources, error) {
	l.calls.Add(1)
	return l.next.Load(ctx, principalID)
}

func newTestCache(t *testing.T, store Store) (*Cache, *countingLoader, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	loader := &countingLoader{next: NewLoader(store)}
	c, err := NewCache(client, loader, store, time.Minute, 16, nil)
	require.NoError(t, err)
	return c, loader, mr, client
}

func TestCacheServesRepeatedLoads(t *testing.T) {
	store := newMemStore().withCapabilities("orders").
		withPrincipal(1, 0, "viewer").
		withRoleGrant("viewer", "orders", CRUD{Read: true})
	c, loader, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	first, err := c.Load(ctx, 1)
	require.NoError(t, err)
	second, err := c.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), loader.calls.Load())
	require.True(t, mr.Exists(sourcesKey(1, 1)))
}

func TestCacheReadsThroughRedisAcrossNodes(t *testing.T) {
	store := newMemStore().withCapabilities("orders").withPrincipal(1, 0)
	c, loader, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	_, err := c.Load(ctx, 1)
	require.NoError(t, err)

	otherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = otherClient.Close() })
	otherLoader := &countingLoader{next: NewLoader(store)}
	other, err := NewCache(otherClient, otherLoader, store, time.Minute, 16, nil)
	require.NoError(t, err)

	src, err := other.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, src.Resolved)
	require.Zero(t, otherLoader.calls.Load())
	require.Equal(t, int32(1), loader.calls.Load())
}

func TestCacheBumpMakesMutationsVisible(t *testing.T) {
	store := newMemStore().withCapabilities("orders").
		withPrincipal(1, 0, "viewer").
		withRoleGrant("viewer", "orders", CRUD{Read: true})
	c, loader, _, _ := newTestCache(t, store)
	svc := NewService(store, WithSourceLoader(c))
	ctx := context.Background()

	ok, err := svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.True(t, ok)

	store.withOverride(1, "orders", EffectDeny)
	require.NoError(t, c.Bump(ctx))

	ok, err = svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(2), loader.calls.Load())

	ver, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)
}

func TestCacheFallsBackWhenRedisFails(t *testing.T) {
	store := newMemStore().withCapabilities("orders").withPrincipal(1, 0)
	c, loader, mr, _ := newTestCache(t, store)
	mr.Close()

	src, err := c.Load(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, src.Resolved)
	require.Equal(t, int32(1), loader.calls.Load())
}

func TestCacheWithoutClientPassesThrough(t *testing.T) {
	store := newMemStore().withPrincipal(1, 0)
	loader := &countingLoader{next: NewLoader(store)}
	c, err := NewCache(nil, loader, store, time.Minute, 0, nil)
	require.NoError(t, err)

	_, err = c.Load(context.Background(), 1)
	require.NoError(t, err)
	_, err = c.Load(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int32(2), loader.calls.Load())
	require.NoError(t, c.Bump(context.Background()))
	require.NoError(t, c.ListenForInvalidation(context.Background()))
}

func TestCacheRequiresLoaderAndPrincipals(t *testing.T) {
	store := newMemStore()
	_, err := NewCache(nil, nil, store, time.Minute, 1, nil)
	require.Error(t, err)
	_, err = NewCache(nil, NewLoader(store), nil, time.Minute, 1, nil)
	require.Error(t, err)
}

func TestCacheListenerPurgesLocalEntries(t *testing.T) {
	store := newMemStore().withCapabilities("orders").withPrincipal(1, 0)
	c, _, _, client := newTestCache(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, c.local.Len())
	require.NoError(t, c.ListenForInvalidation(ctx))

	require.NoError(t, client.Publish(ctx, BumpChannel, "7").Err())
	require.Eventually(t, func() bool { return c.local.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCacheFailedBumpDoesNotServeRevokedGrant(t *testing.T) {
	store := newMemStore().withCapabilities("orders").withPrincipal(1, 0)
	store.withOverride(1, "orders", EffectAllow)
	c, _, mr, _ := newTestCache(t, store)
	admin := NewAdmin(store, WithInvalidator(c))
	svc := NewService(store, WithSourceLoader(c))
	ctx := context.Background()

	ok, err := svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.True(t, ok)

	mr.SetError("ERR redis down")
	err = admin.SetOverride(ctx, 9, OverrideInput{PrincipalID: 1, CapabilityCode: "orders", Effect: EffectDeny})
	require.Error(t, err)
	require.Equal(t, EffectDeny, store.overrides[1]["orders"].Effect)
	mr.SetError("")

	ok, err = svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, c.degraded.Load())

	ver, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)
}

func TestCacheBypassedWhileBumpKeepsFailing(t *testing.T) {
	store := newMemStore().withCapabilities("orders").withPrincipal(1, 0)
	c, loader, mr, _ := newTestCache(t, store)
	ctx := context.Background()

	_, err := c.Load(ctx, 1)
	require.NoError(t, err)

	mr.SetError("ERR unavailable")
	require.Error(t, c.Bump(ctx))
	require.True(t, c.degraded.Load())
	require.Zero(t, c.local.Len())

	_, err = c.Load(ctx, 1)
	require.NoError(t, err)
	_, err = c.Load(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int32(3), loader.calls.Load())
}

func TestCacheSeesPrincipalDeactivation(t *testing.T) {
	store := newMemStore().withCapabilities("orders").
		withPrincipal(1, 0, "viewer").
		withRoleGrant("viewer", "orders", CRUD{Read: true})
	c, _, _, _ := newTestCache(t, store)
	svc := NewService(store, WithSourceLoader(c))
	ctx := context.Background()

	ok, err := svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.True(t, ok)

	store.updatePrincipal(1, func(p *Principal) { p.Active = false })

	ok, err = svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.False(t, ok)

	d, err := svc.Decide(ctx, Request{PrincipalID: 1, Capability: "orders", Action: ActionRead})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnresolvable, d.Outcome)

	store.updatePrincipal(1, func(p *Principal) { p.Active = true })
	ok, err = svc.Can(ctx, 1, "orders", ActionRead)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheSeesProfileCompletionChange(t *testing.T) {
	store := newMemStore().withCapabilities("orders").withPrincipal(1, 30)
	store.features["ai_tools"] = Feature{Code: "ai_tools", Visibility: VisibilityRestricted, RequiredCompletion: intPtr(50)}
	c, loader, _, _ := newTestCache(t, store)
	svc := NewService(store, WithSourceLoader(c))
	ctx := context.Background()

	d, err := svc.Feature(ctx, 1, "ai_tools")
	require.NoError(t, err)
	require.False(t, d.Allowed())

	store.updatePrincipal(1, func(p *Principal) { p.ProfileCompletion = 80 })

	d, err = svc.Feature(ctx, 1, "ai_tools")
	require.NoError(t, err)
	require.True(t, d.Allowed())
	require.Equal(t, int32(1), loader.calls.Load())
}
