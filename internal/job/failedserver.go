package job

import (
	"context"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// FailedServer coordinates failover for a DB server that went FAILED: it
// blocks the server, then fans out one child job per shard the server
// holds — failedLeader where it led, failedFollower where it followed,
// unassumedLeadership where the collection never reported to Current.
// The parent finishes once no child is left in ToDo or Pending.
type FailedServer struct {
	base
}

// NewFailedServer builds a failedServer job for server.
func NewFailedServer(env Env, id, creator, server string) *FailedServer {
	return &FailedServer{base: base{
		env:     env,
		id:      id,
		creator: creator,
		status:  StatusToDo,
		doc: Document{
			JobID:   id,
			Type:    TypeFailedServer,
			Creator: creator,
			Server:  server,
		},
	}}
}

// CreateOps returns the operations and preconditions that insert this job.
// The health checker merges them into the very transaction that flips the
// server's Status to FAILED, so the transition and the failover job are
// indivisible. Guards: the server is still BAD (about to become FAILED)
// and /Target/FailedServers has not moved under us.
func (j *FailedServer) CreateOps() ([]agency.Operation, []agency.Precondition) {
	j.doc.TimeCreated = j.env.timestamp()

	ops := []agency.Operation{
		agency.Set(agency.JoinPath(cluster.TargetToDo, j.id), j.doc.Map()),
		agency.Set(cluster.FailedServerShardsPath(j.doc.Server), []any{}),
	}

	preconds := []agency.Precondition{
		agency.OldEqual(cluster.HealthStatusPath(j.doc.Server), cluster.HealthBad),
	}
	if fails, err := j.env.Snapshot.Get(cluster.TargetFailedServers); err == nil {
		preconds = append(preconds, agency.OldEqual(cluster.TargetFailedServers, fails.Value()))
	} else {
		preconds = append(preconds, agency.OldEmpty(cluster.TargetFailedServers))
	}
	return ops, preconds
}

// Create inserts the job on its own, outside a health-check transaction.
func (j *FailedServer) Create(ctx context.Context) error {
	ops, preconds := j.CreateOps()
	res, err := j.env.Agency.Transact(ctx, agency.Transaction{Ops: ops, Preconds: preconds})
	if err != nil {
		return err
	}
	if !res.Applied() {
		return fmt.Errorf("could not insert job %s", j.id)
	}
	j.env.logger().Info("todo: handle failover for db server", "jobId", j.id, "server", j.doc.Server)
	return nil
}

// Start moves the job to Pending, blocking the server, then schedules the
// per-shard child jobs. A job blocking the server is aborted first if its
// kind allows; otherwise no progress is made this tick.
func (j *FailedServer) Start(ctx context.Context) bool {
	if ServerHealth(j.env.Snapshot, j.doc.Server) != cluster.HealthFailed {
		j.finish(ctx, "", false,
			fmt.Sprintf("server %s is no longer failed, not starting failedServer job", j.doc.Server))
		return false
	}

	// A single job may hold the server; clear it out of the way.
	if blockNode, err := j.env.Snapshot.Get(cluster.ServerBlockPath(j.doc.Server)); err == nil {
		holder, _ := blockNode.Str()
		if !Abortable(j.env.Snapshot, holder) {
			return false
		}
		if held, err := Load(ctx, j.env, StatusPending, holder); err == nil {
			held.Abort(ctx)
		}
		// The snapshot still shows the old block; retry next tick against
		// a fresh one.
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
	j.env.logger().Debug("pending job for failed db server", "jobId", j.id, "server", j.doc.Server)

	j.scheduleChildren(ctx)
	return true
}

// scheduleChildren walks every planned shard the failed server holds and
// creates the matching child job. Clone collections are skipped; their
// prototype's jobs expand over them.
func (j *FailedServer) scheduleChildren(ctx context.Context) {
	sub := 0
	nextID := func() string {
		id := fmt.Sprintf("%s-%d", j.id, sub)
		sub++
		return id
	}

	available := AvailableServers(j.env.Snapshot)
	currentDBs := j.env.Snapshot.ChildNode(cluster.CurrentCollections)

	for _, db := range j.env.Snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			replFact, ok := col.Node.ChildNode("replicationFactor").UInt()
			if !ok {
				continue
			}
			if replFact == 0 {
				// Satellite: replicated to every server.
				replFact = uint64(len(available))
			}
			if proto, _ := col.Node.ChildNode("distributeShardsLike").Str(); proto != "" {
				continue
			}

			assumed := len(currentDBs.ChildNode(agency.JoinPath(db.Name, col.Name)).Children()) > 0

			for _, shard := range col.Node.ChildNode("shards").Children() {
				servers, ok := shard.Node.StringArray()
				if !ok {
					continue
				}
				pos := slices.Index(servers, j.doc.Server)
				if pos < 0 {
					continue
				}

				switch {
				case !assumed:
					if pos == 0 {
						child := NewUnassumedLeadership(j.env, nextID(), j.id,
							db.Name, col.Name, shard.Name, j.doc.Server)
						if err := child.Create(ctx); err != nil {
							j.env.logger().Warn("could not create child job", "jobId", child.id, "error", err)
						}
					}
				case replFact <= 1:
					// A single-copy shard has no surviving replica to
					// promote and no membership to repair.
				case pos == 0:
					if len(servers) < 2 {
						j.env.logger().Warn("failed leader has no follower to promote",
							"jobId", j.id, "shard", shard.Name)
						continue
					}
					child := NewFailedLeader(j.env, nextID(), j.id,
						db.Name, col.Name, shard.Name, j.doc.Server, servers[1])
					if err := child.Create(ctx); err != nil {
						j.env.logger().Warn("could not create child job", "jobId", child.id, "error", err)
					}
				default:
					candidates := slices.DeleteFunc(append([]string(nil), available...), func(s string) bool {
						return slices.Contains(servers, s) ||
							ServerHealth(j.env.Snapshot, s) != cluster.HealthGood
					})
					if len(candidates) == 0 {
						j.env.logger().Warn("no server available to replace failed follower",
							"jobId", j.id, "shard", shard.Name)
						continue
					}
					to := candidates[j.env.intn(len(candidates))]
					child := NewFailedFollower(j.env, nextID(), j.id,
						db.Name, col.Name, shard.Name, j.doc.Server, to)
					if err := child.Create(ctx); err != nil {
						j.env.logger().Warn("could not create child job", "jobId", child.id, "error", err)
					}
				}
			}
		}
	}
}

// Status finishes the parent once no child remains open. If the server
// came back GOOD, children still in ToDo are withdrawn; Pending ones have
// already moved the plan and must run out.
func (j *FailedServer) Status(ctx context.Context) Status {
	if j.status != StatusPending {
		return j.status
	}

	todoChildren := childIDs(j.env.Snapshot, StatusToDo, j.id)
	pendChildren := childIDs(j.env.Snapshot, StatusPending, j.id)

	healthy := ServerHealth(j.env.Snapshot, j.doc.Server) == cluster.HealthGood
	todosCleared := false
	if healthy && len(todoChildren) > 0 {
		j.env.logger().Info("server is healthy again, withdrawing unstarted child jobs",
			"jobId", j.id, "server", j.doc.Server, "children", len(todoChildren))
		ops := make([]agency.Operation, 0, len(todoChildren))
		for _, child := range todoChildren {
			ops = append(ops, agency.Delete(agency.JoinPath(cluster.TargetToDo, child)))
		}
		res, err := j.env.Agency.Transact(ctx, agency.Transaction{Ops: ops})
		if err != nil || !res.Applied() {
			j.env.logger().Warn("could not withdraw child jobs", "jobId", j.id, "error", err)
			return j.status
		}
		todosCleared = true
	}

	if len(pendChildren) > 0 || (len(todoChildren) > 0 && !todosCleared) {
		return j.status
	}
	j.finish(ctx, cluster.ServerBlockPath(j.doc.Server), true, "")
	return j.status
}

// Abort is not supported: once failover children run, recalling them is
// not possible.
func (j *FailedServer) Abort(context.Context) {
	j.env.logger().Warn("failedServer jobs cannot be aborted", "jobId", j.id)
}
