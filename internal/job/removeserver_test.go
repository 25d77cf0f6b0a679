package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// TestDecommissionFeasible exercises every refusal reason.
func TestDecommissionFeasible(t *testing.T) {
	env, _ := newTestEnv(t, append(clusterFixture(),
		agency.Set(cluster.TargetCleanedServers, []string{"dbZ"}))...)

	assert.NoError(t, decommissionFeasible(env.Snapshot, "dbD"))
	assert.ErrorIs(t, decommissionFeasible(env.Snapshot, "dbX"), ErrInfeasible)
	assert.ErrorIs(t, decommissionFeasible(env.Snapshot, "dbZ"), ErrInfeasible)

	// Removing dbD would leave three servers, and c needs three replicas:
	// still feasible. Removing with replicationFactor 4 would not be.
	_, store := newTestEnv(t, clusterFixture()...)
	_, err := agency.SingleWrite(context.Background(), store,
		agency.Set(agency.JoinPath(cluster.PlanCollections, "d", "c", "replicationFactor"), 4))
	require.NoError(t, err)
	snap := readTree(t, store)
	assert.ErrorIs(t, decommissionFeasible(snap, "dbD"), ErrInfeasible)
}

// TestDecommissionFeasibleLastServer verifies the very last server can
// never be withdrawn.
func TestDecommissionFeasibleLastServer(t *testing.T) {
	env, _ := newTestEnv(t,
		agency.Set(cluster.PlanDBServers, map[string]any{"dbA": map[string]any{}}),
	)
	assert.ErrorIs(t, decommissionFeasible(env.Snapshot, "dbA"), ErrInfeasible)
}

// TestRemoveServerLifecycle verifies the decommission of a failed server
// relocates its shards and retires it.
func TestRemoveServerLifecycle(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(agency.JoinPath(cluster.PlanCollections, "d", "c"), map[string]any{
			"replicationFactor": 2,
			"shards":            map[string]any{"s1": []string{"dbA", "dbC"}},
		}),
		agency.Set(cluster.HealthStatusPath("dbC"), cluster.HealthFailed))...)

	j := NewRemoveServer(env, "10", "supervision", "dbC")
	require.NoError(t, j.Create(ctx))

	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusToDo, "10").(*RemoveServer)
	require.True(t, j.Start(ctx))

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetPending, "10")))
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetToDo, "10-0")))

	// Child done; the final transaction strips the server everywhere.
	_, err := agency.SingleWrite(ctx, store,
		agency.Delete(agency.JoinPath(cluster.TargetToDo, "10-0")))
	require.NoError(t, err)
	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusPending, "10").(*RemoveServer)
	assert.Equal(t, StatusFinished, j.Status(ctx))

	tree = readTree(t, store)
	plan, _ := tree.ChildNode(cluster.PlanShardPath("d", "c", "s1")).StringArray()
	assert.Equal(t, []string{"dbA"}, plan)
	cleaned, _ := tree.ChildNode(cluster.TargetCleanedServers).StringArray()
	assert.Equal(t, []string{"dbC"}, cleaned)
}

// TestRemoveServerDecommissionGuard verifies the final transaction is
// rejected when a shard plan moved since the snapshot.
func TestRemoveServerDecommissionGuard(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(agency.JoinPath(cluster.TargetPending, "11"), map[string]any{
			"jobId": "11", "type": TypeRemoveServer, "creator": "supervision",
			"server": "dbC", "timeCreated": "2026-08-06T11:00:00Z",
		}),
		agency.Set(cluster.ServerBlockPath("dbC"), "11"))...)

	j := mustLoad(t, env, StatusPending, "11").(*RemoveServer)

	// The plan moves between snapshot and transaction.
	_, err := agency.SingleWrite(ctx, store,
		agency.Set(cluster.PlanShardPath("d", "c", "s1"), []string{"dbA", "dbB", "dbC", "dbD"}))
	require.NoError(t, err)

	assert.Equal(t, StatusPending, j.Status(ctx), "stale snapshot must not decommission")
	tree := readTree(t, store)
	assert.False(t, tree.Has(cluster.TargetCleanedServers))
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetPending, "11")))
}
