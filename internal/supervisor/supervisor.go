package supervisor

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
	"github.com/dreamware/warden/internal/job"
	"github.com/dreamware/warden/internal/metrics"
)

// idBatchSize is how many job IDs one allocation claims from the agency.
// Large enough that ID acquisition never shows up between ticks.
const idBatchSize = 10000

// initPollInterval paces the wait for the cluster to initialize its data
// before the first real tick.
const initPollInterval = 5 * time.Second

// Supervisor runs the warden control loop against one agency.
// Create with New, then Run. All fields behind mu are owned by the loop;
// BeginShutdown is the only cross-goroutine entry point.
type Supervisor struct {
	cfg  Config
	ag   agency.Agency // prefixed view
	lead agency.Leadership
	log  *slog.Logger

	now  func() time.Time
	rand *rand.Rand

	mu        sync.Mutex
	snapshot  *agency.Node
	transient *agency.Node
	jobID     uint64
	jobIDMax  uint64

	selfShutdown bool
	kick         chan struct{}
}

// New builds a supervisor over the agency a and the leadership view lead.
// a is unprefixed; the configured agency prefix is applied here.
func New(cfg Config, a agency.Agency, lead agency.Leadership, log *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		ag:        agency.WithPrefix(a, cfg.AgencyPrefix),
		lead:      lead,
		log:       log.With("topic", "supervision"),
		now:       time.Now,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		snapshot:  agency.NewNode(nil),
		transient: agency.NewNode(nil),
		kick:      make(chan struct{}, 1),
	}
}

// SetNowFunc injects a time source. Tests pin it to drive grace periods
// deterministically.
func (s *Supervisor) SetNowFunc(now func() time.Time) {
	s.now = now
}

// SetRandSeed reseeds the replacement-server selection, making failover
// target choice reproducible.
func (s *Supervisor) SetRandSeed(seed int64) {
	s.rand = rand.New(rand.NewSource(seed))
}

// BeginShutdown asks the loop to stop at its next tick boundary and wakes
// it early.
func (s *Supervisor) BeginShutdown() {
	s.mu.Lock()
	s.selfShutdown = true
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes the supervision loop until the context is canceled or
// shutdown is requested. It never returns an error: agency hiccups cost a
// tick, not the process.
func (s *Supervisor) Run(ctx context.Context) {
	// Before anybody initialized the cluster data, supervising would only
	// produce noise; wait for at least one child under the prefix.
	for {
		if ctx.Err() != nil || s.isSelfShutdown() {
			return
		}
		snap, err := s.ag.ReadTree(ctx, "/")
		if err == nil && len(snap.Children()) > 0 {
			break
		}
		s.log.Debug("waiting for the cluster to initialize its data")
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			return
		case <-time.After(initPollInterval):
		}
	}

	ticker := time.NewTicker(s.cfg.Frequency())
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.Tick(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			// Flag is observed at the top of the next iteration.
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) isSelfShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfShutdown
}

// Tick performs one supervision pass. Returns false when the loop should
// exit. Exported so tests can single-step the supervisor.
func (s *Supervisor) Tick(ctx context.Context) bool {
	started := time.Now()
	leading := s.lead.Leading()
	role := "follower"
	if leading {
		role = "leader"
	}
	defer func() {
		metrics.Ticks.WithLabelValues(role).Inc()
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	if leading && (s.jobID == 0 || s.jobID == s.jobIDMax) {
		s.allocateIDs(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateSnapshot(ctx)

	// Freshly acquired leadership mutates nothing until it has been
	// stable for a grace period; a just-deposed predecessor may still
	// have writes in flight.
	leaderStable := leading && s.now().Sub(s.lead.LeaderSince()) > s.cfg.GracePeriod()

	if leaderStable {
		s.upgradeAgency(ctx)
		s.fixPrototypeChain(ctx)
		s.doChecks(ctx)
	}

	switch {
	case s.shuttingDown():
		s.handleShutdown(ctx)
	case s.selfShutdown:
		return false
	case leaderStable:
		s.shrinkCluster(ctx)
		s.enforceReplication(ctx)
		s.workJobs(ctx)
	}
	return true
}

// updateSnapshot refreshes both tree views. A failed read keeps the
// previous snapshot; the tick then acts on slightly stale but consistent
// state.
func (s *Supervisor) updateSnapshot(ctx context.Context) {
	if snap, err := s.ag.ReadTree(ctx, "/"); err == nil {
		s.snapshot = snap
	} else {
		s.log.Warn("could not refresh snapshot", "error", err)
	}
	if trans, err := s.ag.ReadTransient(ctx, "/"); err == nil {
		s.transient = trans
	} else {
		s.log.Warn("could not refresh transient view", "error", err)
	}
}

// env packages the tick's state for the job subsystem.
func (s *Supervisor) env() job.Env {
	return job.Env{
		Snapshot: s.snapshot,
		Agency:   s.ag,
		Log:      s.log,
		Now:      s.now,
		Rand:     s.rand,
	}
}

// nextJobID hands out one ID from the allocated batch. With the batch
// exhausted it keeps returning the batch's last ID until the next tick
// claims a new batch; creations guarded on an empty ToDo entry reject
// such a repeat while the earlier job is still in ToDo.
func (s *Supervisor) nextJobID() string {
	id := s.jobID
	if s.jobID < s.jobIDMax {
		s.jobID++
	}
	return strconv.FormatUint(id, 10)
}

// allocateIDs claims the next batch of job IDs: a guarded increment of
// /Sync/LatestID by the batch size, owning the range between the old and
// new top. A lost race just retries next tick.
func (s *Supervisor) allocateIDs(ctx context.Context) {
	latest, err := s.ag.ReadTree(ctx, cluster.SyncLatestID)
	if err != nil {
		s.log.Warn("could not read latest job id", "error", err)
		return
	}
	cur, _ := latest.UInt()

	trx := agency.Transaction{
		Ops: []agency.Operation{agency.Increment(cluster.SyncLatestID, idBatchSize)},
	}
	if cur == 0 {
		trx.Preconds = []agency.Precondition{agency.OldEmpty(cluster.SyncLatestID)}
	} else {
		trx.Preconds = []agency.Precondition{agency.OldEqual(cluster.SyncLatestID, cur)}
	}
	res, err := s.ag.Transact(ctx, trx)
	if err != nil || !res.Applied() {
		s.log.Warn("failed to acquire job ids from agency", "error", err)
		return
	}
	s.mu.Lock()
	s.jobID = cur + 1
	s.jobIDMax = cur + idBatchSize
	s.mu.Unlock()
	s.log.Debug("allocated job id batch", "from", cur+1, "to", cur+idBatchSize)
}

// upgradeAgency migrates a legacy array-shaped /Target/FailedServers into
// the object-of-arrays schema. Idempotent; a no-op on current clusters.
func (s *Supervisor) upgradeAgency(ctx context.Context) {
	fails, err := s.snapshot.Get(cluster.TargetFailedServers)
	if err != nil || !fails.IsArray() {
		return
	}
	names, ok := fails.StringArray()
	if !ok {
		return
	}
	migrated := make(map[string]any, len(names))
	for _, name := range names {
		migrated[name] = []any{}
	}
	trx := agency.Transaction{
		Ops:      []agency.Operation{agency.Set(cluster.TargetFailedServers, migrated)},
		Preconds: []agency.Precondition{agency.IsArray(cluster.TargetFailedServers)},
	}
	if res, err := s.ag.Transact(ctx, trx); err != nil || !res.Applied() {
		s.log.Warn("failed to upgrade FailedServers schema", "error", err)
		return
	}
	s.log.Info("upgraded /Target/FailedServers to object schema", "servers", len(names))
}

// shuttingDown reads the cluster-wide shutdown marker from the snapshot.
func (s *Supervisor) shuttingDown() bool {
	node, err := s.snapshot.Get(cluster.Shutdown)
	if err != nil {
		return false
	}
	b, _ := node.Bool()
	return b
}

// handleShutdown waits for every registered server to stop reporting GOOD
// and then removes the /Shutdown marker. The supervisor itself exits at
// the next tick boundary via the self-shutdown flag.
func (s *Supervisor) handleShutdown(ctx context.Context) {
	s.selfShutdown = true
	s.log.Debug("waiting for servers to shut down")

	serversCleared := true
	for _, server := range s.snapshot.ChildNode(cluster.CurrentServersRegistered).Children() {
		if server.Name == "Version" {
			continue
		}
		if job.ServerHealth(s.snapshot, server.Name) == cluster.HealthGood {
			s.log.Debug("waiting for server to shut down", "server", server.Name)
			serversCleared = false
		}
	}
	if !serversCleared || !s.lead.Leading() {
		return
	}
	res, err := agency.SingleWrite(ctx, s.ag, agency.Delete(cluster.Shutdown))
	if err != nil || !res.Applied() {
		s.log.Error("could not remove shutdown marker", "error", err)
		return
	}
	s.log.Info("cluster shutdown complete")
}

// workJobs advances every job: ToDo entries get a start attempt, Pending
// entries a status re-evaluation. Malformed documents are moved to Failed
// by the loader and skipped here.
func (s *Supervisor) workJobs(ctx context.Context) {
	env := s.env()
	for _, st := range []job.Status{job.StatusToDo, job.StatusPending} {
		for _, entry := range s.snapshot.ChildNode(job.LocationPrefix(st)).Children() {
			j, err := job.Load(ctx, env, st, entry.Name)
			if err != nil {
				s.log.Warn("skipping malformed job", "jobId", entry.Name, "error", err)
				continue
			}
			job.Run(ctx, j, st)
		}
	}
}
