package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// FailedFollower swaps a failed follower out of a shard's plan for a
// healthy server, keeping the replica's position so leadership is
// untouched. Scheduled by FailedServer for every non-leader shard copy a
// failed server holds.
type FailedFollower struct {
	base
}

// NewFailedFollower builds a failedFollower job replacing from with to.
func NewFailedFollower(env Env, id, creator, db, col, shard, from, to string) *FailedFollower {
	return &FailedFollower{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:      id,
			Type:       TypeFailedFollower,
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
// /Target/FailedServers/<from> in the same transaction, plus clone
// sub-jobs.
func (j *FailedFollower) Create(ctx context.Context) error {
	j.doc.TimeCreated = j.env.timestamp()

	ops := []agency.Operation{
		agency.Set(agency.JoinPath(cluster.TargetToDo, j.id), j.doc.Map()),
		agency.Push(cluster.FailedServerShardsPath(j.doc.FromServer), j.doc.Shard),
	}
	for i, clone := range cloneSiblings(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard) {
		sub := NewFailedFollower(j.env, fmt.Sprintf("%s-%d", j.id, i), j.id,
			j.doc.Database, clone.Collection, clone.Shard, j.doc.FromServer, j.doc.ToServer)
		sub.doc.TimeCreated = j.doc.TimeCreated
		ops = append(ops,
			agency.Set(agency.JoinPath(cluster.TargetToDo, sub.id), sub.doc.Map()),
			agency.Push(cluster.FailedServerShardsPath(j.doc.FromServer), sub.doc.Shard))
	}

	trx := agency.Transaction{
		Ops:      ops,
		Preconds: []agency.Precondition{agency.OldEmpty(agency.JoinPath(cluster.TargetToDo, j.id))},
	}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil {
		return err
	}
	if !res.Applied() {
		return fmt.Errorf("job %s already exists in ToDo", j.id)
	}
	j.env.logger().Info("todo: failed follower", "jobId", j.id, "shard", j.doc.Shard,
		"from", j.doc.FromServer, "to", j.doc.ToServer)
	return nil
}

// Start rewrites the shard's plan with to in from's position, guarded on
// the plan being unchanged, the shard unblocked, and from still FAILED.
func (j *FailedFollower) Start(ctx context.Context) bool {
	planPath := cluster.PlanShardPath(j.doc.Database, j.doc.Collection, j.doc.Shard)

	planned, ok := PlannedShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok {
		j.finish(ctx, "", false, "shard is no longer planned")
		return false
	}
	if !slices.Contains(planned, j.doc.FromServer) {
		j.finish(ctx, "", false, "fromServer is not planned for shard")
		return false
	}

	newPlan := make([]string, len(planned))
	for i, s := range planned {
		if s == j.doc.FromServer {
			newPlan[i] = j.doc.ToServer
		} else {
			newPlan[i] = s
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
	j.env.logger().Info("pending: change followership", "jobId", j.id, "shard", j.doc.Shard,
		"from", j.doc.FromServer, "to", j.doc.ToServer)
	return true
}

// Status finishes once the reported placement matches the rewritten plan,
// erasing the shard from /Target/FailedServers/<from> on the way out.
func (j *FailedFollower) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}
	planned, _ := PlannedShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	current, ok := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok || !sameServerLists(planned, current) {
		return j.status
	}
	if _, err := agency.SingleWrite(ctx, j.env.Agency,
		agency.Erase(cluster.FailedServerShardsPath(j.doc.FromServer), j.doc.Shard)); err != nil {
		j.env.logger().Warn("could not erase shard from FailedServers", "jobId", j.id, "error", err)
	}
	j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), true, "")
	return j.status
}

// Abort fails the job and, while still in ToDo, withdraws the shard's
// FailedServers entry written at creation.
func (j *FailedFollower) Abort(ctx context.Context) {
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
