package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// TestFailedServerCreateGuards verifies the creation transaction carries
// the BAD-status and FailedServers-unchanged guards.
func TestFailedServerCreateGuards(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthBad))...)

	j := NewFailedServer(env, "1", "supervision", "dbB")
	require.NoError(t, j.Create(ctx))

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetToDo, "1")))
	fails, ok := tree.ChildNode(cluster.FailedServerShardsPath("dbB")).Array()
	assert.True(t, ok)
	assert.Empty(t, fails)

	// With the server GOOD the guard rejects creation.
	_, err := agency.SingleWrite(ctx, store,
		agency.Set(cluster.HealthStatusPath("dbC"), cluster.HealthGood))
	require.NoError(t, err)
	refreshEnv(t, &env, store)
	other := NewFailedServer(env, "2", "supervision", "dbC")
	require.Error(t, other.Create(ctx))
}

// TestFailedServerStartFansOut verifies the parent blocks the server and
// schedules one child per affected shard: a failedLeader where the server
// led, a failedFollower where it followed.
func TestFailedServerStartFansOut(t *testing.T) {
	ctx := context.Background()
	ops := append(clusterFixture(),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthFailed),
		// A second collection led by dbB.
		agency.Set(agency.JoinPath(cluster.PlanCollections, "d", "led"), map[string]any{
			"replicationFactor": 2,
			"shards":            map[string]any{"s2": []string{"dbB", "dbC"}},
		}),
		agency.Set(cluster.CurrentShardServersPath("d", "led", "s2"), []string{"dbB", "dbC"}),
		agency.Set(agency.JoinPath(cluster.TargetToDo, "1"), map[string]any{
			"jobId": "1", "type": TypeFailedServer, "creator": "supervision",
			"server": "dbB", "timeCreated": "2026-08-06T11:59:00Z",
		}),
	)
	env, store := newTestEnv(t, ops...)

	j := mustLoad(t, env, StatusToDo, "1").(*FailedServer)
	require.True(t, j.Start(ctx))

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetPending, "1")))
	holder, _ := tree.ChildNode(cluster.ServerBlockPath("dbB")).Str()
	assert.Equal(t, "1", holder)

	// Collect the children by type and shard.
	types := map[string]string{}
	for _, child := range tree.ChildNode(cluster.TargetToDo).Children() {
		typ, _ := child.Node.ChildNode("type").Str()
		shard, _ := child.Node.ChildNode("shard").Str()
		types[shard] = typ
	}
	assert.Equal(t, TypeFailedFollower, types["s1"], "dbB follows s1")
	assert.Equal(t, TypeFailedLeader, types["s2"], "dbB leads s2")

	// The follower replacement is the only good non-hosting server.
	for _, child := range tree.ChildNode(cluster.TargetToDo).Children() {
		if shard, _ := child.Node.ChildNode("shard").Str(); shard == "s1" {
			to, _ := child.Node.ChildNode("toServer").Str()
			assert.Equal(t, "dbD", to)
		}
		if shard, _ := child.Node.ChildNode("shard").Str(); shard == "s2" {
			to, _ := child.Node.ChildNode("toServer").Str()
			assert.Equal(t, "dbC", to, "leader hands over to the next replica")
		}
	}
}

// TestFailedServerSatelliteFollower verifies a satellite collection
// (replication factor zero) gets its dead follower replaced: the
// effective factor is the available-server count, so the per-shard gate
// must not dismiss it.
func TestFailedServerSatelliteFollower(t *testing.T) {
	ctx := context.Background()
	ops := append(clusterFixture(),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthFailed),
		agency.Set(agency.JoinPath(cluster.PlanCollections, "d", "sat"), map[string]any{
			"replicationFactor": 0,
			"shards":            map[string]any{"s3": []string{"dbA", "dbB", "dbC"}},
		}),
		agency.Set(cluster.CurrentShardServersPath("d", "sat", "s3"), []string{"dbA", "dbB", "dbC"}),
		agency.Set(agency.JoinPath(cluster.TargetToDo, "1"), map[string]any{
			"jobId": "1", "type": TypeFailedServer, "creator": "supervision",
			"server": "dbB", "timeCreated": "2026-08-06T11:59:00Z",
		}),
	)
	env, store := newTestEnv(t, ops...)

	j := mustLoad(t, env, StatusToDo, "1").(*FailedServer)
	require.True(t, j.Start(ctx))

	found := false
	for _, child := range readTree(t, store).ChildNode(cluster.TargetToDo).Children() {
		shard, _ := child.Node.ChildNode("shard").Str()
		if shard != "s3" {
			continue
		}
		found = true
		typ, _ := child.Node.ChildNode("type").Str()
		assert.Equal(t, TypeFailedFollower, typ)
		to, _ := child.Node.ChildNode("toServer").Str()
		assert.Equal(t, "dbD", to, "the one server not yet holding the satellite")
	}
	assert.True(t, found, "satellite shard must get a follower replacement")
}

// TestFailedServerSkipsSingleCopyShards verifies a replication factor of
// one schedules nothing: there is no surviving replica to repair from.
func TestFailedServerSkipsSingleCopyShards(t *testing.T) {
	ctx := context.Background()
	ops := []agency.Operation{
		agency.Set(cluster.PlanDBServers, map[string]any{
			"dbA": map[string]any{}, "dbB": map[string]any{},
		}),
		agency.Set(agency.JoinPath(cluster.PlanCollections, "d", "solo"), map[string]any{
			"replicationFactor": 1,
			"shards":            map[string]any{"s1": []string{"dbB"}},
		}),
		agency.Set(cluster.CurrentShardServersPath("d", "solo", "s1"), []string{"dbB"}),
		agency.Set(cluster.PlanVersion, 1),
		agency.Set(cluster.HealthStatusPath("dbA"), cluster.HealthGood),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthFailed),
		agency.Set(agency.JoinPath(cluster.TargetToDo, "1"), map[string]any{
			"jobId": "1", "type": TypeFailedServer, "creator": "supervision",
			"server": "dbB", "timeCreated": "2026-08-06T11:59:00Z",
		}),
	}
	env, store := newTestEnv(t, ops...)

	j := mustLoad(t, env, StatusToDo, "1").(*FailedServer)
	require.True(t, j.Start(ctx))

	assert.Empty(t, readTree(t, store).ChildNode(cluster.TargetToDo).Children(),
		"no child jobs for a single-copy shard")
}

// TestFailedServerStartAbortsIfRecovered verifies a recovered server
// fails the job instead of starting it.
func TestFailedServerStartAbortsIfRecovered(t *testing.T) {
	ctx := context.Background()
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(agency.JoinPath(cluster.TargetToDo, "1"), map[string]any{
			"jobId": "1", "type": TypeFailedServer, "creator": "supervision",
			"server": "dbB", "timeCreated": "2026-08-06T11:59:00Z",
		}))...) // dbB GOOD in fixture

	j := mustLoad(t, env, StatusToDo, "1").(*FailedServer)
	assert.False(t, j.Start(ctx))

	tree := readTree(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetFailed, "1")))
	assert.False(t, tree.Has(cluster.ServerBlockPath("dbB")))
}

// TestFailedServerStatus verifies parent completion tracking: open
// children keep it pending, recovery withdraws unstarted children, and an
// empty nursery finishes the parent.
func TestFailedServerStatus(t *testing.T) {
	ctx := context.Background()
	pendingParent := agency.Set(agency.JoinPath(cluster.TargetPending, "1"), map[string]any{
		"jobId": "1", "type": TypeFailedServer, "creator": "supervision",
		"server": "dbB", "timeCreated": "2026-08-06T11:59:00Z",
		"timeStarted": "2026-08-06T11:59:30Z",
	})
	childDoc := map[string]any{
		"jobId": "1-0", "type": TypeFailedFollower, "creator": "1",
		"database": "d", "collection": "c", "shard": "s1",
		"fromServer": "dbB", "toServer": "dbD",
		"timeCreated": "2026-08-06T11:59:30Z",
	}

	// Open child in ToDo, server still failed: parent stays pending and
	// the child survives.
	env, store := newTestEnv(t, append(clusterFixture(),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthFailed),
		pendingParent,
		agency.Set(cluster.ServerBlockPath("dbB"), "1"),
		agency.Set(agency.JoinPath(cluster.TargetToDo, "1-0"), childDoc))...)

	j := mustLoad(t, env, StatusPending, "1").(*FailedServer)
	assert.Equal(t, StatusPending, j.Status(ctx))
	assert.True(t, readTree(t, store).Has(agency.JoinPath(cluster.TargetToDo, "1-0")))

	// Server recovered: the unstarted child is withdrawn and the parent
	// finishes, releasing the server block.
	_, err := agency.SingleWrite(ctx, store,
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthGood))
	require.NoError(t, err)
	refreshEnv(t, &env, store)
	j = mustLoad(t, env, StatusPending, "1").(*FailedServer)
	assert.Equal(t, StatusFinished, j.Status(ctx))

	tree := readTree(t, store)
	assert.False(t, tree.Has(agency.JoinPath(cluster.TargetToDo, "1-0")))
	assert.False(t, tree.Has(cluster.ServerBlockPath("dbB")))
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetFinished, "1")))
}

// TestFailedServerCannotRecallPendingChildren verifies recovery does not
// touch children that already started.
func TestFailedServerCannotRecallPendingChildren(t *testing.T) {
	ctx := context.Background()
	env, _ := newTestEnv(t, append(clusterFixture(),
		agency.Set(agency.JoinPath(cluster.TargetPending, "1"), map[string]any{
			"jobId": "1", "type": TypeFailedServer, "creator": "supervision",
			"server": "dbB", "timeCreated": "2026-08-06T11:59:00Z",
		}),
		agency.Set(cluster.ServerBlockPath("dbB"), "1"),
		agency.Set(agency.JoinPath(cluster.TargetPending, "1-0"), map[string]any{
			"jobId": "1-0", "type": TypeFailedFollower, "creator": "1",
			"database": "d", "collection": "c", "shard": "s1",
			"fromServer": "dbB", "toServer": "dbD",
		}))...) // dbB GOOD

	j := mustLoad(t, env, StatusPending, "1").(*FailedServer)
	assert.Equal(t, StatusPending, j.Status(ctx), "pending child keeps the parent open")
}
