package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// RemoveFollower shrinks a shard's planned replica list, the symmetric
// counterpart of AddFollower. Created by enforceReplication when a shard
// is over-replicated.
type RemoveFollower struct {
	base
}

// NewRemoveFollower builds a removeFollower job. server may be empty, in
// which case Start selects a non-leader, non-essential replica.
func NewRemoveFollower(env Env, id, creator, db, col, shard, server string) *RemoveFollower {
	return &RemoveFollower{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:      id,
			Type:       TypeRemoveFollower,
			Creator:    creator,
			Database:   db,
			Collection: col,
			Shard:      shard,
			Server:     server,
		},
	}}
}

// Create inserts the ToDo entry plus clone sub-jobs, guarded on the job
// id being fresh.
func (j *RemoveFollower) Create(ctx context.Context) error {
	j.doc.TimeCreated = j.env.timestamp()

	ops := []agency.Operation{
		agency.Set(agency.JoinPath(cluster.TargetToDo, j.id), j.doc.Map()),
	}
	for i, clone := range cloneSiblings(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard) {
		sub := NewRemoveFollower(j.env, fmt.Sprintf("%s-%d", j.id, i), j.id,
			j.doc.Database, clone.Collection, clone.Shard, j.doc.Server)
		sub.doc.TimeCreated = j.doc.TimeCreated
		ops = append(ops, agency.Set(agency.JoinPath(cluster.TargetToDo, sub.id), sub.doc.Map()))
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
	j.env.logger().Info("todo: remove follower", "jobId", j.id, "shard", j.doc.Shard)
	return nil
}

// Start rewrites the shard's plan without the victim follower, guarded on
// the plan being unchanged and the shard unblocked. The leader is never
// selected.
func (j *RemoveFollower) Start(ctx context.Context) bool {
	planPath := cluster.PlanShardPath(j.doc.Database, j.doc.Collection, j.doc.Shard)

	planned, ok := PlannedShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok {
		j.finish(ctx, "", false, "shard is no longer planned")
		return false
	}
	if len(planned) < 2 {
		j.finish(ctx, "", false, "shard has no follower to remove")
		return false
	}

	victim := j.doc.Server
	if victim == "" {
		victim = j.pickVictim(planned)
		j.doc.Server = victim
	}
	if victim == planned[0] {
		j.finish(ctx, "", false, "refusing to remove the shard leader")
		return false
	}
	if !slices.Contains(planned, victim) {
		j.finish(ctx, "", false, "server is not planned for shard")
		return false
	}

	newPlan := slices.DeleteFunc(append([]string(nil), planned...), func(s string) bool {
		return s == victim
	})

	trx := agency.Transaction{
		Ops: []agency.Operation{
			agency.Set(agency.JoinPath(cluster.TargetPending, j.id), j.pendingEntry()),
			agency.Delete(agency.JoinPath(cluster.TargetToDo, j.id)),
			agency.Set(cluster.ShardBlockPath(j.doc.Shard), j.id),
			agency.Set(planPath, newPlan),
			agency.Increment(cluster.PlanVersion, 1),
		},
		Preconds: []agency.Precondition{
			agency.OldEqual(planPath, planned),
			agency.OldEmpty(cluster.ShardBlockPath(j.doc.Shard)),
		},
	}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil || !res.Applied() {
		j.env.logger().Info("start precondition failed", "jobId", j.id, "error", err)
		return false
	}
	j.status = StatusPending
	j.env.logger().Info("pending: remove follower", "jobId", j.id, "shard", j.doc.Shard,
		"server", victim)
	return true
}

// pickVictim prefers a follower the leader has not reported in sync; with
// everything in sync the last planned follower goes.
func (j *RemoveFollower) pickVictim(planned []string) string {
	current, _ := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	for i := len(planned) - 1; i > 0; i-- {
		if !slices.Contains(current, planned[i]) {
			return planned[i]
		}
	}
	return planned[len(planned)-1]
}

// Status finishes once the removed follower is gone from the reported
// placement.
func (j *RemoveFollower) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}
	current, ok := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok || !slices.Contains(current, j.doc.Server) {
		j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), true, "")
	}
	return j.status
}

// Abort fails the job. A Pending removal is not replayed backwards: the
// plan rewrite already happened and enforceReplication will re-add a
// follower if the collection is now under-replicated.
func (j *RemoveFollower) Abort(ctx context.Context) {
	switch j.status {
	case StatusToDo:
		j.finish(ctx, "", false, "aborted")
	case StatusPending:
		j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), false, "aborted")
	}
}
