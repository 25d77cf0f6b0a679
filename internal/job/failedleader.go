package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// FailedLeader hands a shard's leadership from a failed server to one of
// its followers. Scheduled by FailedServer whenever the failed server sits
// at position zero of a shard's plan; toServer is the follower at position
// one, taken without a health check.
type FailedLeader struct {
	base
}

// NewFailedLeader builds a failedLeader job promoting to over from.
func NewFailedLeader(env Env, id, creator, db, col, shard, from, to string) *FailedLeader {
	return &FailedLeader{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:      id,
			Type:       TypeFailedLeader,
			Creator:    creator,
			Database:   db,
			Collection: col,
			Shard:      shard,
			FromServer: from,
			ToServer:   to,
		},
	}}
}

// Create inserts the ToDo entry and records the shard under
// /Target/FailedServers/<from>.
func (j *FailedLeader) Create(ctx context.Context) error {
	j.doc.TimeCreated = j.env.timestamp()
	trx := agency.Transaction{
		Ops: []agency.Operation{
			agency.Set(agency.JoinPath(cluster.TargetToDo, j.id), j.doc.Map()),
			agency.Push(cluster.FailedServerShardsPath(j.doc.FromServer), j.doc.Shard),
		},
		Preconds: []agency.Precondition{agency.OldEmpty(agency.JoinPath(cluster.TargetToDo, j.id))},
	}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil {
		return err
	}
	if !res.Applied() {
		return fmt.Errorf("job %s already exists in ToDo", j.id)
	}
	j.env.logger().Info("todo: failed leader", "jobId", j.id, "shard", j.doc.Shard,
		"from", j.doc.FromServer, "to", j.doc.ToServer)
	return nil
}

// Start promotes toServer to the front of the plan and drops fromServer,
// guarded on the plan being unchanged, the shard unblocked, and
// fromServer still FAILED. The replica count shrinks by one here;
// enforceReplication restores it once the dust settles.
func (j *FailedLeader) Start(ctx context.Context) bool {
	planPath := cluster.PlanShardPath(j.doc.Database, j.doc.Collection, j.doc.Shard)

	planned, ok := PlannedShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok {
		j.finish(ctx, "", false, "shard is no longer planned")
		return false
	}
	if len(planned) == 0 || planned[0] != j.doc.FromServer {
		j.finish(ctx, "", false, "fromServer no longer leads shard")
		return false
	}
	if !slices.Contains(planned, j.doc.ToServer) {
		j.finish(ctx, "", false, "toServer is not a follower of shard")
		return false
	}

	newPlan := []string{j.doc.ToServer}
	for _, s := range planned[1:] {
		if s != j.doc.ToServer {
			newPlan = append(newPlan, s)
		}
	}

	trx := agency.Transaction{
		Ops: []agency.Operation{
			agency.Set(agency.JoinPath(cluster.TargetPending, j.id), j.pendingEntry()),
			agency.Delete(agency.JoinPath(cluster.TargetToDo, j.id)),
			agency.Set(planPath, newPlan),
			agency.Set(cluster.ShardBlockPath(j.doc.Shard), j.id),
			agency.Increment(cluster.PlanVersion, 1),
		},
		Preconds: []agency.Precondition{
			agency.OldEqual(planPath, planned),
			agency.OldEmpty(cluster.ShardBlockPath(j.doc.Shard)),
			agency.OldEqual(cluster.HealthStatusPath(j.doc.FromServer), cluster.HealthFailed),
		},
	}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil || !res.Applied() {
		j.env.logger().Info("start precondition failed", "jobId", j.id, "error", err)
		return false
	}
	j.status = StatusPending
	j.env.logger().Info("pending: change leadership", "jobId", j.id, "shard", j.doc.Shard,
		"from", j.doc.FromServer, "to", j.doc.ToServer)
	return true
}

// Status finishes once the new leader reports itself at the head of the
// shard's placement.
func (j *FailedLeader) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}
	current, ok := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok || len(current) == 0 || current[0] != j.doc.ToServer {
		return j.status
	}
	if _, err := agency.SingleWrite(ctx, j.env.Agency,
		agency.Erase(cluster.FailedServerShardsPath(j.doc.FromServer), j.doc.Shard)); err != nil {
		j.env.logger().Warn("could not erase shard from FailedServers", "jobId", j.id, "error", err)
	}
	j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), true, "")
	return j.status
}

// Abort fails the job; a Pending promotion is left in the plan, leadership
// changes are never rolled back.
func (j *FailedLeader) Abort(ctx context.Context) {
	switch j.status {
	case StatusToDo:
		if _, err := agency.SingleWrite(ctx, j.env.Agency,
			agency.Erase(cluster.FailedServerShardsPath(j.doc.FromServer), j.doc.Shard)); err != nil {
			j.env.logger().Warn("could not erase shard from FailedServers", "jobId", j.id, "error", err)
		}
		j.finish(ctx, "", false, "aborted")
	case StatusPending:
		j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), false, "aborted")
	}
}
