package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// RemoveServer decommissions a failed DB server: it relocates every shard
// the server holds via AddFollower children, and once they are done it
// atomically strips the server from all plans and appends it to
// /Target/CleanedServers. Scheduled by shrinkCluster for failed servers
// that hold nothing essential.
type RemoveServer struct {
	base
}

// NewRemoveServer builds a removeServer job for server.
func NewRemoveServer(env Env, id, creator, server string) *RemoveServer {
	return &RemoveServer{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:   id,
			Type:    TypeRemoveServer,
			Creator: creator,
			Server:  server,
		},
	}}
}

// Create inserts the ToDo entry.
func (j *RemoveServer) Create(ctx context.Context) error {
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
	j.env.logger().Info("todo: remove server", "jobId", j.id, "server", j.doc.Server)
	return nil
}

// Start moves the job to Pending and blocks the server, then verifies
// feasibility and schedules the relocation children. An infeasible job is
// failed permanently.
func (j *RemoveServer) Start(ctx context.Context) bool {
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

	if err := decommissionFeasible(j.env.Snapshot, j.doc.Server); err != nil {
		j.env.logger().Error("removeServer not feasible", "jobId", j.id, "error", err)
		j.finish(ctx, cluster.ServerBlockPath(j.doc.Server), false, err.Error())
		return false
	}
	if err := j.scheduleRelocations(ctx); err != nil {
		j.env.logger().Error("could not schedule relocations", "jobId", j.id, "error", err)
		j.finish(ctx, cluster.ServerBlockPath(j.doc.Server), false, err.Error())
		return false
	}
	j.env.logger().Info("pending: removing server", "jobId", j.id, "server", j.doc.Server)
	return true
}

// scheduleRelocations creates one AddFollower child per affected shard so
// the data gains a replacement replica before the server is stripped.
func (j *RemoveServer) scheduleRelocations(ctx context.Context) error {
	available := AvailableServers(j.env.Snapshot)
	if len(available) == 1 {
		return fmt.Errorf("%w: server %s is the last standing db server", ErrInfeasible, j.doc.Server)
	}

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
					return slices.Contains(servers, s) ||
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
func (j *RemoveServer) Status(ctx context.Context) Status {
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
func (j *RemoveServer) Abort(context.Context) {
	j.env.logger().Warn("removeServer jobs cannot be aborted", "jobId", j.id)
}

// decommissionFeasible verifies a server can be withdrawn: it must still
// be planned, not yet cleaned, not the last server, and every collection's
// replication factor must fit the remaining servers.
func decommissionFeasible(snapshot *agency.Node, server string) error {
	if !snapshot.Has(agency.JoinPath(cluster.PlanDBServers, server)) {
		return fmt.Errorf("%w: no db server with id %s in plan", ErrInfeasible, server)
	}
	if cleaned, ok := snapshot.ChildNode(cluster.TargetCleanedServers).StringArray(); ok {
		if slices.Contains(cleaned, server) {
			return fmt.Errorf("%w: %s has been cleaned out already", ErrInfeasible, server)
		}
	}
	avail := AvailableServers(snapshot)
	if len(avail) <= 1 {
		return fmt.Errorf("%w: %s is the last standing db server", ErrInfeasible, server)
	}
	numRemaining := uint64(len(avail) - 1)
	for _, db := range snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			replFact, ok := col.Node.ChildNode("replicationFactor").UInt()
			if ok && replFact > numRemaining {
				return fmt.Errorf("%w: collection %s needs %d replicas, only %d servers would remain",
					ErrInfeasible, col.Name, replFact, numRemaining)
			}
		}
	}
	return nil
}

// decommissionOps builds the atomic withdrawal: every shard plan loses the
// server (guarded on each plan being unchanged), the server joins
// /Target/CleanedServers, and Plan/Version is bumped.
func decommissionOps(snapshot *agency.Node, server string) ([]agency.Operation, []agency.Precondition) {
	var ops []agency.Operation
	var preconds []agency.Precondition
	for _, db := range snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			for _, shard := range col.Node.ChildNode("shards").Children() {
				servers, ok := shard.Node.StringArray()
				if !ok || !slices.Contains(servers, server) {
					continue
				}
				desired := slices.DeleteFunc(append([]string(nil), servers...), func(s string) bool {
					return s == server
				})
				path := cluster.PlanShardPath(db.Name, col.Name, shard.Name)
				ops = append(ops, agency.Set(path, desired))
				preconds = append(preconds, agency.OldEqual(path, servers))
			}
		}
	}
	ops = append(ops,
		agency.Push(cluster.TargetCleanedServers, server),
		agency.Increment(cluster.PlanVersion, 1))
	return ops, preconds
}
