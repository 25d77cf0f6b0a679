package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// AddFollower grows a shard's planned replica list. Created by
// enforceReplication when a shard is under-replicated (then the follower
// is chosen at start time) or as a sub-job of removeServer/cleanOutServer
// relocations (then the follower is fixed at creation).
type AddFollower struct {
	base
}

// NewAddFollower builds an addFollower job. newFollower may be empty, in
// which case Start picks an eligible server.
func NewAddFollower(env Env, id, creator, db, col, shard string, newFollower []string) *AddFollower {
	return &AddFollower{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:       id,
			Type:        TypeAddFollower,
			Creator:     creator,
			Database:    db,
			Collection:  col,
			Shard:       shard,
			NewFollower: newFollower,
		},
	}}
}

// Create inserts the ToDo entry, plus one sibling sub-job per cloned
// shard so the whole distribution group moves together. The whole batch is
// one transaction guarded on the job id being fresh.
func (j *AddFollower) Create(ctx context.Context) error {
	j.doc.TimeCreated = j.env.timestamp()

	ops := []agency.Operation{
		agency.Set(agency.JoinPath(cluster.TargetToDo, j.id), j.doc.Map()),
	}
	for i, clone := range cloneSiblings(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard) {
		sub := NewAddFollower(j.env, fmt.Sprintf("%s-%d", j.id, i), j.id,
			j.doc.Database, clone.Collection, clone.Shard, j.doc.NewFollower)
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
	j.env.logger().Info("todo: add follower", "jobId", j.id, "shard", j.doc.Shard,
		"newFollower", j.doc.NewFollower)
	return nil
}

// Start moves the job to Pending and pushes the new followers into the
// shard's plan, guarded on the plan and current placement being unchanged
// and the shard being unblocked.
func (j *AddFollower) Start(ctx context.Context) bool {
	planPath := cluster.PlanShardPath(j.doc.Database, j.doc.Collection, j.doc.Shard)
	curPath := cluster.CurrentShardServersPath(j.doc.Database, j.doc.Collection, j.doc.Shard)

	planned, ok := PlannedShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	if !ok {
		j.finish(ctx, "", false, "shard is no longer planned")
		return false
	}
	current, haveCurrent := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)

	followers := j.doc.NewFollower
	if len(followers) == 0 {
		pick, err := j.pickFollower(planned, current)
		if err != nil {
			j.finish(ctx, "", false, err.Error())
			return false
		}
		followers = []string{pick}
		j.doc.NewFollower = followers
	}
	for _, f := range followers {
		if slices.Contains(planned, f) {
			j.finish(ctx, "", false, "newFollower must not be planned for shard already")
			return false
		}
		if slices.Contains(current, f) {
			j.finish(ctx, "", false, "newFollower must not be already holding the shard")
			return false
		}
	}

	ops := []agency.Operation{
		agency.Set(agency.JoinPath(cluster.TargetPending, j.id), j.pendingEntry()),
		agency.Delete(agency.JoinPath(cluster.TargetToDo, j.id)),
		agency.Set(cluster.ShardBlockPath(j.doc.Shard), j.id),
	}
	for _, f := range followers {
		ops = append(ops, agency.Push(planPath, f))
	}
	ops = append(ops, agency.Increment(cluster.PlanVersion, 1))

	preconds := []agency.Precondition{
		agency.OldEqual(planPath, planned),
		agency.OldEmpty(cluster.ShardBlockPath(j.doc.Shard)),
	}
	if haveCurrent {
		preconds = append(preconds, agency.OldEqual(curPath, current))
	} else {
		preconds = append(preconds, agency.OldEmpty(curPath))
	}
	trx := agency.Transaction{Ops: ops, Preconds: preconds}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil || !res.Applied() {
		j.env.logger().Info("start precondition failed", "jobId", j.id, "error", err)
		return false
	}
	j.status = StatusPending
	j.env.logger().Info("pending: add follower", "jobId", j.id, "shard", j.doc.Shard,
		"newFollower", followers)
	return true
}

// pickFollower selects a random available server that neither plans nor
// holds the shard.
func (j *AddFollower) pickFollower(planned, current []string) (string, error) {
	candidates := slices.DeleteFunc(AvailableServers(j.env.Snapshot), func(s string) bool {
		return slices.Contains(planned, s) || slices.Contains(current, s)
	})
	if len(candidates) == 0 {
		return "", fmt.Errorf("no available server can take shard %s", j.doc.Shard)
	}
	return candidates[j.env.intn(len(candidates))], nil
}

// Status finishes the job once any of the new followers shows up in the
// shard's reported placement, releasing the shard block.
func (j *AddFollower) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}
	current, _ := CurrentShardServers(j.env.Snapshot, j.doc.Database, j.doc.Collection, j.doc.Shard)
	for _, f := range j.doc.NewFollower {
		if slices.Contains(current, f) {
			j.finish(ctx, cluster.ShardBlockPath(j.doc.Shard), true, "")
			break
		}
	}
	return j.status
}

// Abort rolls the job back: a ToDo job is failed outright; a Pending job
// additionally withdraws the pushed followers from the plan.
func (j *AddFollower) Abort(ctx context.Context) {
	if j.status == StatusToDo {
		j.finish(ctx, "", false, "aborted")
		return
	}
	if j.status != StatusPending {
		return
	}
	planPath := cluster.PlanShardPath(j.doc.Database, j.doc.Collection, j.doc.Shard)
	ops := []agency.Operation{
		agency.Delete(agency.JoinPath(cluster.TargetPending, j.id)),
		agency.Set(agency.JoinPath(cluster.TargetFailed, j.id), j.abortedEntry()),
		agency.Delete(cluster.ShardBlockPath(j.doc.Shard)),
		agency.Increment(cluster.PlanVersion, 1),
	}
	for _, f := range j.doc.NewFollower {
		ops = append(ops, agency.Erase(planPath, f))
	}
	if res, err := j.env.Agency.Transact(ctx, agency.Transaction{Ops: ops}); err != nil || !res.Applied() {
		j.env.logger().Warn("abort not applied", "jobId", j.id, "error", err)
		return
	}
	j.status = StatusFailed
}

func (b *base) abortedEntry() map[string]any {
	m := b.doc.Map()
	m["timeFinished"] = b.env.timestamp()
	m["reason"] = "aborted"
	return m
}
