package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
	"github.com/dreamware/warden/internal/job"
)

// TestAllocateIDs verifies the batched ID claim against /Sync/LatestID
// and that jobs draw from the claimed range.
func TestAllocateIDs(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSupervisor(t)

	s.allocateIDs(ctx)
	assert.Equal(t, uint64(1), s.jobID)
	assert.Equal(t, uint64(idBatchSize), s.jobIDMax)

	latest, _ := readStore(t, store).ChildNode(cluster.SyncLatestID).UInt()
	assert.Equal(t, uint64(idBatchSize), latest)

	assert.Equal(t, "1", s.nextJobID())
	assert.Equal(t, "2", s.nextJobID())

	// A second supervisor claims the next disjoint range.
	other, _ := newTestSupervisor(t)
	other.ag = agency.WithPrefix(store, "")
	other.allocateIDs(ctx)
	assert.Equal(t, uint64(idBatchSize)+1, other.jobID)
}

// TestUpgradeAgency verifies the legacy array-shaped FailedServers entry
// is migrated to the object schema exactly once.
func TestUpgradeAgency(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSupervisor(t,
		agency.Set(cluster.TargetFailedServers, []string{"dbX", "dbY"}))

	refresh(t, s)
	s.upgradeAgency(ctx)

	tree := readStore(t, store)
	node, err := tree.Get(cluster.TargetFailedServers)
	require.NoError(t, err)
	assert.True(t, node.IsObject())
	shards, ok := node.ChildNode("dbX").Array()
	assert.True(t, ok)
	assert.Empty(t, shards)

	// Idempotent: the object shape is left alone.
	refresh(t, s)
	before := readStore(t, store).Value()
	s.upgradeAgency(ctx)
	assert.Equal(t, before, readStore(t, store).Value())
}

// TestLeaderChangeScenario verifies the grace gate after regaining
// leadership: the first tick mutates nothing, and after the grace period
// job progression resumes as if never interrupted.
func TestLeaderChangeScenario(t *testing.T) {
	ctx := context.Background()
	ops := append(dbFixture(),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthFailed),
		agency.Set(agency.JoinPath(cluster.TargetPending, "1"), map[string]any{
			"jobId": "1", "type": job.TypeFailedServer, "creator": "supervision",
			"server": "dbB", "timeCreated": "2026-08-06T11:58:00Z",
		}),
		agency.Set(cluster.ServerBlockPath("dbB"), "1"),
		agency.Set(agency.JoinPath(cluster.TargetPending, "1-0"), map[string]any{
			"jobId": "1-0", "type": job.TypeFailedFollower, "creator": "1",
			"database": "d", "collection": "c", "shard": "s1",
			"fromServer": "dbB", "toServer": "dbD",
		}),
		agency.Set(cluster.ShardBlockPath("s1"), "1-0"),
		// The plan already carries the substitution and the leader
		// reported it: the child can finish as soon as it is evaluated.
		agency.Set(cluster.PlanShardPath("d", "c", "s1"), []string{"dbA", "dbD", "dbC"}),
		agency.Set(cluster.CurrentShardServersPath("d", "c", "s1"), []string{"dbA", "dbD", "dbC"}),
	)
	s, store := newTestSupervisor(t, ops...)
	goodHeartbeats(t, store, "dbA", "dbC", "dbD")
	// dbB stays silent; its FAILED status is sticky.
	heartbeat(t, store, "dbB", false, cluster.HealthFailed, testBase.Add(-time.Minute))
	grantIDs(s)

	// Leadership was lost and regained moments ago.
	store.SetLeading(true, testBase.Add(-2*time.Second))
	require.True(t, s.Tick(ctx))

	tree := readStore(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetPending, "1-0")),
		"no job progression within the grace period")
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetPending, "1")))

	// Once leadership is stable the child finishes and unblocks.
	store.SetLeading(true, testBase.Add(-10*time.Second))
	require.True(t, s.Tick(ctx))

	tree = readStore(t, store)
	assert.False(t, tree.Has(agency.JoinPath(cluster.TargetPending, "1-0")))
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetFinished, "1-0")))
	assert.False(t, tree.Has(cluster.ShardBlockPath("s1")))

	// The parent follows one tick later, once the snapshot shows no open
	// children.
	require.True(t, s.Tick(ctx))
	tree = readStore(t, store)
	assert.True(t, tree.Has(agency.JoinPath(cluster.TargetFinished, "1")))
	assert.False(t, tree.Has(cluster.ServerBlockPath("dbB")))
}

// TestNonLeaderMutatesNothing verifies a follower supervisor only reads.
func TestNonLeaderMutatesNothing(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSupervisor(t, append(dbFixture(),
		agency.Set(agency.JoinPath(cluster.TargetToDo, "1"), map[string]any{
			"jobId": "1", "type": job.TypeAddFollower, "creator": "supervision",
			"database": "d", "collection": "c", "shard": "s1",
		}))...)
	grantIDs(s)
	store.SetLeading(false, time.Time{})

	before := readStore(t, store).Value()
	require.True(t, s.Tick(ctx))
	assert.Equal(t, before, readStore(t, store).Value())
}

// TestShutdownScenario drives the cluster-wide shutdown: the supervisor
// waits until no registered server reports GOOD, removes /Shutdown, and
// stops itself.
func TestShutdownScenario(t *testing.T) {
	ctx := context.Background()
	s, store := newTestSupervisor(t, append(dbFixture(),
		agency.Set(cluster.Shutdown, true),
		agency.Set(agency.JoinPath(cluster.CurrentServersRegistered, "dbA"),
			map[string]any{"endpoint": "tcp://a:8529"}),
		agency.Set(agency.JoinPath(cluster.CurrentServersRegistered, "dbB"),
			map[string]any{"endpoint": "tcp://b:8529"}),
		agency.Set(cluster.HealthStatusPath("dbA"), cluster.HealthGood),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthGood))...)
	goodHeartbeats(t, store, "dbA", "dbB", "dbC", "dbD")
	grantIDs(s)

	// Servers still GOOD: the marker stays, the loop keeps going.
	require.True(t, s.Tick(ctx))
	assert.True(t, readStore(t, store).Has(cluster.Shutdown))

	// The servers exited; their health reflects it.
	_, err := agency.SingleWrite(ctx, store,
		agency.Set(cluster.HealthStatusPath("dbA"), cluster.HealthBad),
		agency.Set(cluster.HealthStatusPath("dbB"), cluster.HealthBad))
	require.NoError(t, err)
	// Their heartbeats stopped too.
	heartbeat(t, store, "dbA", false, cluster.HealthBad, testBase.Add(-time.Second))
	heartbeat(t, store, "dbB", false, cluster.HealthBad, testBase.Add(-time.Second))

	require.True(t, s.Tick(ctx))
	assert.False(t, readStore(t, store).Has(cluster.Shutdown), "marker removed once all servers stopped")

	// With the marker gone and the self-shutdown flag raised, the next
	// tick ends the loop.
	assert.False(t, s.Tick(ctx))
}
