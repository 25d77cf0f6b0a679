package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// CleanOutServer drains a healthy DB server so the cluster can shrink:
// feasibility is checked up front, replacement followers are scheduled for
// every shard the server holds, and the final transaction withdraws the
// server from all plans and appends it to /Target/CleanedServers. A
// cleaned server never returns.
type CleanOutServer struct {
	base
}

// NewCleanOutServer builds a cleanOutServer job for server.
func NewCleanOutServer(env Env, id, creator, server string) *CleanOutServer {
	return &CleanOutServer{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:   id,
			Type:    TypeCleanOutServer,
			Creator: creator,
			Server:  server,
		},
	}}
}

// Create inserts the ToDo entry.
func (j *CleanOutServer) Create(ctx context.Context) error {
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
	j.env.logger().Info("todo: clean out server", "jobId", j.id, "server", j.doc.Server)
	return nil
}

// Start verifies feasibility before touching anything, then moves the job
// to Pending, blocks the server and schedules the relocation children.
func (j *CleanOutServer) Start(ctx context.Context) bool {
	if err := decommissionFeasible(j.env.Snapshot, j.doc.Server); err != nil {
		j.env.logger().Error("cleanOutServer not feasible", "jobId", j.id, "error", err)
		j.finish(ctx, "", false, err.Error())
		return false
	}

	trx := agency.Transaction{
		Ops: []agency.Operation{
			agency.Set(agency.JoinPath(cluster.TargetPending, j.id), j.pendingEntry()),
			agency.Delete(agency.JoinPath(cluster.TargetToDo, j.id)),
			agency.Set(cluster.ServerBlockPath(j.doc.Server), j.id),
		},
		Preconds: []agency.Precondition{
			agency.OldEmpty(cluster.ServerBlockPath(j.doc.Server)),
		},
	}
	res, err := j.env.Agency.Transact(ctx, trx)
	if err != nil || !res.Applied() {
		j.env.logger().Info("start precondition failed", "jobId", j.id, "error", err)
		return false
	}
	j.status = StatusPending

	if err := j.scheduleRelocations(ctx); err != nil {
		j.env.logger().Error("could not schedule relocations", "jobId", j.id, "error", err)
		j.finish(ctx, cluster.ServerBlockPath(j.doc.Server), false, err.Error())
		return false
	}
	j.env.logger().Info("pending: cleaning out server", "jobId", j.id, "server", j.doc.Server)
	return true
}

// scheduleRelocations creates one AddFollower child per shard the server
// holds. As in removeServer, the target is a GOOD server not already
// hosting the shard.
func (j *CleanOutServer) scheduleRelocations(ctx context.Context) error {
	available := AvailableServers(j.env.Snapshot)

	sub := 0
	for _, db := range j.env.Snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			if proto, _ := col.Node.ChildNode("distributeShardsLike").Str(); proto != "" {
				continue
			}
			for _, shard := range col.Node.ChildNode("shards").Children() {
				servers, ok := shard.Node.StringArray()
				if !ok || !slices.Contains(servers, j.doc.Server) {
					continue
				}
				candidates := slices.DeleteFunc(append([]string(nil), available...), func(s string) bool {
					return s == j.doc.Server || slices.Contains(servers, s) ||
						ServerHealth(j.env.Snapshot, s) != cluster.HealthGood
				})
				if len(candidates) == 0 {
					return fmt.Errorf("%w: no servers remain as relocation target", ErrInfeasible)
				}
				to := candidates[j.env.intn(len(candidates))]
				child := NewAddFollower(j.env, fmt.Sprintf("%s-%d", j.id, sub), j.id,
					db.Name, col.Name, shard.Name, []string{to})
				sub++
				if err := child.Create(ctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Status waits for the relocation children, then performs the final
// decommission transaction and finishes.
func (j *CleanOutServer) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}
	if len(childIDs(j.env.Snapshot, StatusToDo, j.id)) > 0 ||
		len(childIDs(j.env.Snapshot, StatusPending, j.id)) > 0 {
		return j.status
	}

	ops, preconds := decommissionOps(j.env.Snapshot, j.doc.Server)
	res, err := j.env.Agency.Transact(ctx, agency.Transaction{Ops: ops, Preconds: preconds})
	if err != nil || !res.Applied() {
		j.env.logger().Info("decommission precondition failed", "jobId", j.id, "error", err)
		return j.status
	}
	j.env.logger().Info("server reported in /Target/CleanedServers", "jobId", j.id,
		"server", j.doc.Server)
	j.finish(ctx, cluster.ServerBlockPath(j.doc.Server), true, "")
	return j.status
}

// Abort is not supported once relocations run.
func (j *CleanOutServer) Abort(context.Context) {
	j.env.logger().Warn("cleanOutServer jobs cannot be aborted", "jobId", j.id)
}
