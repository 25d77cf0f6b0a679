package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// TestCleanOutServerLifecycle walks the drain: feasibility, relocation
// children, final atomic withdrawal into CleanedServers.
func TestCleanOutServerLifecycle(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		// Shrink c so dbB can absorb its shard after dbC drains.
		agency.Set(agency.JoinPath(cluster.PlanCollections, "d", "c"), map[string]any{
			"replicationFactor": 2,
			"shards":            map[string]any{"s1": []string{"dbA", "dbC"}},
		}),
		agency.Set(cluster.CurrentShardServersPath("d", "c", "s1"), []string{"dbA", "dbC"}),
		// Only dbB is a valid relocation target.
		agency.Set(cluster.HealthStatusPath("dbD"), cluster.HealthBad))...)

	j := NewCleanOutServer(env, "8", "supervision", "dbC")
	require.NoError(t, j.Create(ctx))

	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusToDo, "8").(*CleanOutServer)
	require.True(t, j.Start(ctx))

	tree := readTree(t, store)
	holder, _ := tree.ChildNode(cluster.ServerBlockPath("dbC")).Str()
	assert.Equal(t, "8", holder)
	// One relocation child for s1, targeting the only eligible server.
	to, _ := tree.ChildNode(agency.JoinPath(cluster.TargetToDo, "8-0", "newFollower")).StringArray()
	assert.Equal(t, []string{"dbB"}, to)

	// Child still open: parent waits.
	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusPending, "8").(*CleanOutServer)
	assert.Equal(t, StatusPending, j.Status(ctx))

	// Simulate the child running to completion.
	_, err := agency.SingleWrite(ctx, store,
		agency.Delete(agency.JoinPath(cluster.TargetToDo, "8-0")),
		agency.Set(agency.JoinPath(cluster.TargetFinished, "8-0"), map[string]any{"jobId": "8-0"}),
		agency.Set(cluster.PlanShardPath("d", "c", "s1"), []string{"dbA", "dbC", "dbB"}),
	)
	require.NoError(t, err)

	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusPending, "8").(*CleanOutServer)
	assert.Equal(t, StatusFinished, j.Status(ctx))

	tree = readTree(t, store)
	plan, _ := tree.ChildNode(cluster.PlanShardPath("d", "c", "s1")).StringArray()
	assert.Equal(t, []string{"dbA", "dbB"}, plan, "drained server stripped from the plan")
	cleaned, _ := tree.ChildNode(cluster.TargetCleanedServers).StringArray()
	assert.Equal(t, []string{"dbC"}, cleaned)
	assert.False(t, tree.Has(cluster.ServerBlockPath("dbC")))
}

// TestCleanOutServerInfeasible verifies an infeasible drain fails before
// touching the cluster.
func TestCleanOutServerInfeasible(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(cluster.TargetCleanedServers, []string{"dbC"}))...)

	j := NewCleanOutServer(env, "9", "supervision", "dbC")
	require.NoError(t, j.Create(ctx))

	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusToDo, "9").(*CleanOutServer)
	assert.False(t, j.Start(ctx))

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetFailed, "9")))
	assert.False(t, tree.Has(cluster.ServerBlockPath("dbC")))
	reason, _ := tree.ChildNode(agency.JoinPath(cluster.TargetFailed, "9", "reason")).Str()
	assert.Contains(t, reason, "cleaned out already")
}

// TestCleanOutServerBlockedServer verifies a blocked server defers the
// start without failing the job.
func TestCleanOutServerBlockedServer(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(cluster.ServerBlockPath("dbC"), "77"))...)

	j := NewCleanOutServer(env, "9", "supervision", "dbC")
	require.NoError(t, j.Create(ctx))

	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusToDo, "9").(*CleanOutServer)
	assert.False(t, j.Start(ctx))

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetToDo, "9")))
	holder, _ := tree.ChildNode(cluster.ServerBlockPath("dbC")).Str()
	assert.Equal(t, "77", holder)
}

// TestCleanOutServerAbortUnsupported verifies abort is a refusal, not a
// rollback.
func TestCleanOutServerAbortUnsupported(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(agency.JoinPath(cluster.TargetPending, "9"), map[string]any{
			"jobId": "9", "type": TypeCleanOutServer, "creator": "supervision",
			"server": "dbC", "timeCreated": "2026-08-06T11:00:00Z",
		}),
		agency.Set(cluster.ServerBlockPath("dbC"), "9"))...)

	j := mustLoad(t, env, StatusPending, "9").(*CleanOutServer)
	j.Abort(ctx)

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetPending, "9")))
	assert.True(t, tree.Has(cluster.ServerBlockPath("dbC")))
}
