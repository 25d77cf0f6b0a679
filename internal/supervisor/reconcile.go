package supervisor

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
	"github.com/dreamware/warden/internal/job"
	"github.com/dreamware/warden/internal/metrics"
)

// enforceReplication closes the gap between every shard's planned replica
// count and its collection's replication factor: an addFollower job for
// under-replicated shards, a removeFollower for over-replicated ones.
// Clone collections are skipped — their prototype drives them — and a
// shard with a follower job already queued, or currently blocked, is left
// alone.
func (s *Supervisor) enforceReplication(ctx context.Context) {
	env := s.env()
	available := len(job.AvailableServers(s.snapshot))

	for _, db := range s.snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			replFact, ok := col.Node.ChildNode("replicationFactor").UInt()
			if !ok {
				s.log.Debug("no replicationFactor entry for collection", "collection", col.Name)
				continue
			}
			if replFact == 0 {
				// Satellite: replicate to every server.
				replFact = uint64(available)
			}
			if proto, _ := col.Node.ChildNode("distributeShardsLike").Str(); proto != "" {
				continue
			}

			for _, shard := range col.Node.ChildNode("shards").Children() {
				servers, ok := shard.Node.StringArray()
				if !ok {
					continue
				}
				actual := uint64(len(servers))
				if actual == replFact {
					continue
				}
				if s.followerJobQueued(shard.Name) {
					s.log.Debug("follower job already queued for shard", "shard", shard.Name)
					continue
				}
				if s.snapshot.Has(cluster.ShardBlockPath(shard.Name)) {
					continue
				}

				if actual < replFact {
					j := job.NewAddFollower(env, s.nextJobID(), "supervision",
						db.Name, col.Name, shard.Name, nil)
					if err := j.Create(ctx); err != nil {
						s.log.Warn("could not create addFollower job", "shard", shard.Name, "error", err)
						continue
					}
					metrics.JobsCreated.WithLabelValues(job.TypeAddFollower).Inc()
				} else {
					j := job.NewRemoveFollower(env, s.nextJobID(), "supervision",
						db.Name, col.Name, shard.Name, "")
					if err := j.Create(ctx); err != nil {
						s.log.Warn("could not create removeFollower job", "shard", shard.Name, "error", err)
						continue
					}
					metrics.JobsCreated.WithLabelValues(job.TypeRemoveFollower).Inc()
				}
			}
		}
	}
}

// followerJobQueued reports whether a follower-count or move job for the
// shard is already waiting in ToDo.
func (s *Supervisor) followerJobQueued(shard string) bool {
	for _, entry := range s.snapshot.ChildNode(cluster.TargetToDo).Children() {
		typ, _ := entry.Node.ChildNode("type").Str()
		switch typ {
		case job.TypeAddFollower, job.TypeRemoveFollower, job.TypeMoveShard:
			if jobShard, _ := entry.Node.ChildNode("shard").Str(); jobShard == shard {
				return true
			}
		}
	}
	return false
}

// shrinkCluster schedules decommission work when the targeted DB server
// count drops below the available one. Strictly low priority: it only
// runs with no job queued or in flight.
func (s *Supervisor) shrinkCluster(ctx context.Context) {
	if len(s.snapshot.ChildNode(cluster.TargetToDo).Children()) > 0 ||
		len(s.snapshot.ChildNode(cluster.TargetPending).Children()) > 0 {
		return
	}

	availServers := job.AvailableServers(s.snapshot)

	targetNode, err := s.snapshot.Get(cluster.TargetNumberOfDBServers)
	if err != nil {
		s.log.Debug("targeted number of db servers not set yet")
		return
	}
	target, ok := targetNode.UInt()
	if !ok || target >= uint64(len(availServers)) {
		return
	}
	// Minimum one DB server must remain.
	if len(availServers) == 1 {
		s.log.Debug("only one db server left for operation")
		return
	}

	// Failed servers start out as candidates for immediate removal and
	// lose that standing if anything still depends on them.
	var uselessFailed []string
	healthy := availServers[:0]
	for _, server := range availServers {
		if job.ServerHealth(s.snapshot, server) == cluster.HealthFailed {
			uselessFailed = append(uselessFailed, server)
		} else {
			healthy = append(healthy, server)
		}
	}

	maxReplFact := uint64(1)
	for _, db := range s.snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			replFact, ok := col.Node.ChildNode("replicationFactor").UInt()
			if !ok {
				s.log.Warn("cannot retrieve replication factor for collection", "collection", col.Name)
				return
			}
			if replFact > maxReplFact {
				maxReplFact = replFact
			}
			if len(uselessFailed) == 0 {
				continue
			}
			for _, shard := range col.Node.ChildNode("shards").Children() {
				servers, ok := shard.Node.StringArray()
				if !ok {
					continue
				}
				for i, server := range servers {
					isLeader := i == 0
					if (isLeader || replFact >= uint64(len(healthy))) && slices.Contains(uselessFailed, server) {
						// Not useless after all: it leads a shard, or the
						// remaining servers cannot absorb its replicas.
						uselessFailed = slices.DeleteFunc(uselessFailed, func(s string) bool {
							return s == server
						})
					}
				}
			}
		}
	}

	env := s.env()
	if len(uselessFailed) > 0 {
		server := uselessFailed[len(uselessFailed)-1]
		j := job.NewRemoveServer(env, s.nextJobID(), "supervision", server)
		if err := j.Create(ctx); err != nil {
			s.log.Warn("could not create removeServer job", "server", server, "error", err)
			return
		}
		s.log.Info("scheduled removal of failed server", "server", server, "jobId", j.ID())
		metrics.JobsCreated.WithLabelValues(job.TypeRemoveServer).Inc()
		return
	}

	// Clean out while the healthy count exceeds both the largest
	// replication factor and the targeted size. Failed servers are not
	// counted: their data is still of interest and we wait indefinitely
	// for recovery or operator removal.
	if uint64(len(healthy)) > maxReplFact && uint64(len(healthy)) > target {
		sorted := append([]string(nil), healthy...)
		slices.Sort(sorted)
		server := sorted[len(sorted)-1]
		j := job.NewCleanOutServer(env, s.nextJobID(), "supervision", server)
		if err := j.Create(ctx); err != nil {
			s.log.Warn("could not create cleanOutServer job", "server", server, "error", err)
			return
		}
		s.log.Info("scheduled clean-out of server", "server", server, "jobId", j.ID())
		metrics.JobsCreated.WithLabelValues(job.TypeCleanOutServer).Inc()
	}
}

// fixPrototypeChain flattens transitive distributeShardsLike links so
// every clone points at the root of its chain. One guarded transaction
// per entry; a lost race is only reported.
func (s *Supervisor) fixPrototypeChain(ctx context.Context) {
	var trxs []agency.Transaction
	var collections []string

	for _, db := range s.snapshot.ChildNode(cluster.PlanCollections).Children() {
		for _, col := range db.Node.Children() {
			proto, _ := col.Node.ChildNode("distributeShardsLike").Str()
			if proto == "" {
				continue
			}
			root := job.ResolvePrototype(s.snapshot, db.Name, proto)
			if root == proto {
				continue
			}
			path := agency.JoinPath(cluster.PlanCollections, db.Name, col.Name, "distributeShardsLike")
			trxs = append(trxs, agency.Transaction{
				Ops:      []agency.Operation{agency.Set(path, root)},
				Preconds: []agency.Precondition{agency.OldEqual(path, proto)},
			})
			collections = append(collections, col.Name)
		}
	}
	if len(trxs) == 0 {
		return
	}

	res, err := s.ag.GeneralTransaction(ctx, trxs)
	if err != nil {
		s.log.Warn("could not fix distributeShardsLike chains", "error", err)
		return
	}
	for i, idx := range res.Indices {
		if idx == 0 && i < len(collections) {
			s.log.Warn("plan changed since resolution of distributeShardsLike",
				"collection", collections[i])
		}
	}
}
