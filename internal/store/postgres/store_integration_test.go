//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

func startPostgres(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("tickwatch"),
		tcpostgres.WithUsername("tickwatch"),
		tcpostgres.WithPassword("tickwatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx))
	// Second run is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestRuleStore(t *testing.T) {
	c := startPostgres(t)
	ctx := context.Background()
	store := NewRuleStore(c.Pool())
	created := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	price := domain.PriceRule{
		ID: "p1", Symbol: "NIFTY", Direction: domain.DirectionAbove, TargetPrice: 22500,
		LastObservedPrice: 22400, Active: true, State: domain.RuleStatePending, CreatedAt: created, Message: "watch",
	}
	cond := domain.ConditionRule{
		ID: "c1", Name: "Nifty oversold", Symbol: "NIFTY", Kind: domain.ConditionOversold,
		Active: true, State: domain.RuleStatePending, CreatedAt: created.Add(time.Second),
		Params: map[string]any{"period": 14.0, "threshold": 25.0},
	}
	require.NoError(t, store.SavePriceRule(ctx, price))
	require.NoError(t, store.SaveConditionRule(ctx, cond))

	fired := created.Add(time.Hour)
	require.NoError(t, store.MarkTriggered(ctx, domain.RuleKindPrice, "p1", fired, 22510))

	prices, err := store.ListPriceRules(ctx)
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, domain.RuleStateTriggered, prices[0].State)
	assert.Equal(t, 22510.0, prices[0].LastObservedPrice)
	require.NotNil(t, prices[0].TriggeredAt)
	assert.True(t, fired.Equal(*prices[0].TriggeredAt))

	conds, err := store.ListConditionRules(ctx)
	require.NoError(t, err)
	require.Len(t, conds, 1)
	assert.Equal(t, domain.ConditionOversold, conds[0].Kind)
	assert.Equal(t, 25.0, conds[0].Params["threshold"])

	n, err := store.CountRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.ErrorIs(t, store.DeleteRule(ctx, domain.RuleKindPrice, "c1"), domain.ErrNotFound)
	require.NoError(t, store.DeleteRule(ctx, domain.RuleKindCondition, "c1"))
	conds, err = store.ListConditionRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, conds)

	// A trigger recorded after removal does not recreate the rule.
	require.ErrorIs(t, store.MarkTriggered(ctx, domain.RuleKindCondition, "c1", fired, 0), domain.ErrNotFound)
	n, err = store.CountRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAuditStore(t *testing.T) {
	c := startPostgres(t)
	ctx := context.Background()
	audit := NewAuditStore(c.Pool())

	require.NoError(t, audit.Log(ctx, domain.AuditRuleTriggered, map[string]any{"rule_id": "p1"}))
	require.NoError(t, audit.Log(ctx, domain.AuditRuleCreated, map[string]any{"rule_id": "p2"}))
	require.NoError(t, audit.Log(ctx, domain.AuditRuleTriggered, map[string]any{"rule_id": "p3"}))

	all, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	created, err := audit.List(ctx, domain.ListOpts{Event: domain.AuditRuleCreated})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "p2", created[0].Detail["rule_id"])

	page, err := audit.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "p2", page[0].Detail["rule_id"])

	cutoff := time.Now().Add(time.Minute)
	old, err := audit.ListEventBefore(ctx, domain.AuditRuleTriggered, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, "p1", old[0].Detail["rule_id"])

	n, err := audit.DeleteEventBefore(ctx, domain.AuditRuleTriggered, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err = audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.AuditRuleCreated, all[0].Event)
}
