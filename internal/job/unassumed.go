package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// UnassumedLeadership re-assigns the leadership of a shard whose planned
// leader failed before ever reporting the shard in Current. Scheduled by
// FailedServer for collections with no Current entry.
type UnassumedLeadership struct {
	base
}

// NewUnassumedLeadership builds an unassumedLeadership job for the shard
// whose planned leader from never assumed its duty.
func NewUnassumedLeadership(env Env, id, creator, db, col, shard, from string) *UnassumedLeadership {
	return &UnassumedLeadership{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:      id,
			Type:       TypeUnassumedLeadership,
			Creator:    creator,
			Database:   db,
			Collection: col,
			Shard:      shard,
			FromServer: from,
		},
	}}
}

// Create inserts the ToDo entry.
func (j *UnassumedLeadership) Create(ctx context.Context) error {
	j.doc.TimeCreated = j.env.timestamp()
	trx := agency.Transaction{
		Ops: []agency.Operation{
			agency.Set(agency.JoinPath(cluster.TargetToDo, j.id), j.doc.Map()),
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
	j.env.logger().Info("todo: unassumed leadership", "jobId", j.id, "shard", j.doc.Shard,
		"from", j.doc.FromServer)
	return nil
}

// Start hands the never-assumed leadership to a random healthy server,
// guarded on the shard still having no Current entry.
func (j *UnassumedLeadership) Start(ctx context.Context) bool {
	planPath := cluster.PlanShardPath(j.doc.Database, j.doc.Collection, j.doc.Shard)
	curPath := cluster.CurrentShardServersPath(j.doc.Database, j.doc.Collection, j.doc.Shard)

	planned, ok := PlannedShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok {
		j.finish(ctx, "", false, "shard is no longer planned")
		return false
	}
	if len(planned) == 0 || planned[0] != j.doc.FromServer {
		j.finish(ctx, "", false, "fromServer no longer leads shard")
		return false
	}

	candidates := slices.DeleteFunc(AvailableServers(j.env.Snapshot), func(s string) bool {
		return slices.Contains(planned, s) || ServerHealth(j.env.Snapshot, s) != cluster.HealthGood
	})
	if len(candidates) == 0 {
		j.finish(ctx, "", false, "no healthy server can assume leadership")
		return false
	}
	to := candidates[j.env.intn(len(candidates))]
	j.doc.ToServer = to

	newPlan := append([]string{to}, planned[1:]...)

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
			agency.OldEmpty(curPath),
		},
	}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil || !res.Applied() {
		j.env.logger().Info("start precondition failed", "jobId", j.id, "error", err)
		return false
	}
	j.status = StatusPending
	j.env.logger().Info("pending: reassign leadership", "jobId", j.id, "shard", j.doc.Shard,
		"from", j.doc.FromServer, "to", to)
	return true
}

// Status finishes once the new leader reports the shard.
func (j *UnassumedLeadership) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}
	current, ok := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if ok && len(current) > 0 && current[0] == j.doc.ToServer {
		j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), true, "")
	}
	return j.status
}

// Abort fails the job.
func (j *UnassumedLeadership) Abort(ctx context.Context) {
	switch j.status {
	case StatusToDo:
		j.finish(ctx, "", false, "aborted")
	case StatusPending:
		j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), false, "aborted")
	}
}
