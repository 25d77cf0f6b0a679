package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
	"github.com/dreamware/warden/internal/job"
	"github.com/dreamware/warden/internal/metrics"
)

// doChecks evaluates every planned server's heartbeat, DB servers first,
// then coordinators. Only called with stable leadership.
func (s *Supervisor) doChecks(ctx context.Context) {
	s.checkDBServers(ctx)
	s.checkCoordinators(ctx)
}

// checkDBServers updates health records for all planned DB servers. A BAD
// server whose grace period ran out goes FAILED, and the failedServer job
// is created in the very same transaction as the status flip.
func (s *Supervisor) checkDBServers(ctx context.Context) {
	planned := s.snapshot.ChildNode(cluster.PlanDBServers)

	for _, machine := range planned.Children() {
		serverID := machine.Name
		rec, transitioned := s.evaluateServer(serverID, cluster.RoleDBServer)

		ops := []agency.Operation{agency.Set(cluster.HealthPath(serverID), rec.Map())}
		var preconds []agency.Precondition

		if transitioned && rec.Status == cluster.HealthFailed {
			fs := job.NewFailedServer(s.env(), s.nextJobID(), "supervision", serverID)
			jobOps, jobPreconds := fs.CreateOps()
			ops = append(ops, jobOps...)
			preconds = append(preconds, jobPreconds...)
			s.log.Info("server failed, creating failover job", "server", serverID, "jobId", fs.ID())
			metrics.JobsCreated.WithLabelValues(job.TypeFailedServer).Inc()
		}

		s.report(ctx, agency.Transaction{Ops: ops, Preconds: preconds}, transitioned)
		if transitioned {
			metrics.HealthTransitions.WithLabelValues(rec.Role, rec.Status).Inc()
		}

		// A recovered server no longer awaits follower failover.
		if rec.Status == cluster.HealthGood &&
			s.snapshot.Has(cluster.FailedServerShardsPath(serverID)) {
			if _, err := agency.SingleWrite(ctx, s.ag,
				agency.Delete(cluster.FailedServerShardsPath(serverID))); err != nil {
				s.log.Warn("could not clear FailedServers entry", "server", serverID, "error", err)
			}
		}
	}

	s.cleanStaleHealth(ctx, planned, cluster.DBServerIDPrefix)
}

// checkCoordinators updates health records for all planned coordinators.
// Coordinators get no failover jobs; a dead one only loses its status and,
// if it was the foxxmaster, its role.
func (s *Supervisor) checkCoordinators(ctx context.Context) {
	planned := s.snapshot.ChildNode(cluster.PlanCoordinators)

	currentFoxxmaster := ""
	if node, err := s.snapshot.Get(cluster.CurrentFoxxmaster); err == nil {
		currentFoxxmaster, _ = node.Str()
	}
	foxxmasterOk := false
	goodServerID := ""

	for _, machine := range planned.Children() {
		serverID := machine.Name
		rec, transitioned := s.evaluateServer(serverID, cluster.RoleCoordinator)

		if rec.Status == cluster.HealthGood {
			if goodServerID == "" {
				goodServerID = serverID
			}
			if serverID == currentFoxxmaster {
				foxxmasterOk = true
			}
		}

		s.report(ctx, agency.Transaction{
			Ops: []agency.Operation{agency.Set(cluster.HealthPath(serverID), rec.Map())},
		}, transitioned)
		if transitioned {
			metrics.HealthTransitions.WithLabelValues(rec.Role, rec.Status).Inc()
		}
	}

	s.cleanStaleHealth(ctx, planned, cluster.CoordinatorIDPrefix)

	if !foxxmasterOk && goodServerID != "" {
		if _, err := agency.SingleWrite(ctx, s.ag,
			agency.Set(cluster.CurrentFoxxmaster, goodServerID)); err != nil {
			s.log.Warn("could not elect foxxmaster", "server", goodServerID, "error", err)
		} else {
			s.log.Info("elected foxxmaster", "server", goodServerID)
		}
	}
}

// evaluateServer computes a server's next health record from its
// heartbeat. Reports whether the Status differs from the last recorded
// one.
func (s *Supervisor) evaluateServer(serverID, role string) (cluster.HealthRecord, bool) {
	syncPath := agency.JoinPath(cluster.SyncServerStates, serverID)
	lastPath := cluster.HealthPath(serverID)

	heartbeatTime, _ := s.transient.ChildNode(agency.JoinPath(syncPath, "time")).Str()
	heartbeatStatus, _ := s.transient.ChildNode(agency.JoinPath(syncPath, "status")).Str()

	lastSent, _ := s.transient.ChildNode(agency.JoinPath(lastPath, "LastHeartbeatSent")).Str()
	lastAcked, _ := s.transient.ChildNode(agency.JoinPath(lastPath, "LastHeartbeatAcked")).Str()
	lastStatus, _ := s.transient.ChildNode(agency.JoinPath(lastPath, "Status")).Str()

	rec := cluster.HealthRecord{
		LastHeartbeatSent:   heartbeatTime,
		LastHeartbeatAcked:  lastAcked,
		LastHeartbeatStatus: heartbeatStatus,
		Role:                role,
		ShortName:           s.shortName(serverID),
		Endpoint:            s.endpoint(serverID),
	}

	// A heartbeat counts as fresh only if its timestamp moved since the
	// last evaluation.
	good := heartbeatTime != "" && heartbeatTime != lastSent

	switch {
	case good && lastStatus == cluster.HealthFailed:
		// Recovery from FAILED passes through BAD, never straight to
		// GOOD.
		rec.Status = cluster.HealthBad
		rec.LastHeartbeatAcked = s.now().UTC().Format(time.RFC3339)
	case good:
		rec.Status = cluster.HealthGood
		rec.LastHeartbeatAcked = s.now().UTC().Format(time.RFC3339)
	case lastStatus == cluster.HealthFailed:
		// Sticky until the server reports again.
		rec.Status = cluster.HealthFailed
	case s.staleBeyondGrace(lastAcked) && lastStatus == cluster.HealthBad:
		rec.Status = cluster.HealthFailed
	default:
		rec.Status = cluster.HealthBad
	}
	return rec, rec.Status != lastStatus
}

// staleBeyondGrace reports whether the last acknowledged heartbeat is
// older than the grace period. An unparsable or missing timestamp counts
// as beyond.
func (s *Supervisor) staleBeyondGrace(lastAcked string) bool {
	if lastAcked == "" {
		return true
	}
	acked, err := time.Parse(time.RFC3339, lastAcked)
	if err != nil {
		return true
	}
	return s.now().Sub(acked) > s.cfg.GracePeriod()
}

// report writes a health record to the transient tree every tick and
// persists it to the replicated tree only when the status changed.
func (s *Supervisor) report(ctx context.Context, trx agency.Transaction, persist bool) {
	if _, err := s.ag.Transient(ctx, agency.Transaction{Ops: trx.Ops[:1]}); err != nil {
		s.log.Warn("could not write transient health record", "error", err)
	}
	if !persist {
		return
	}
	res, err := s.ag.Transact(ctx, trx)
	switch {
	case err != nil:
		metrics.Transactions.WithLabelValues("error").Inc()
		s.log.Warn("could not persist health record", "error", err)
	case !res.Applied():
		metrics.Transactions.WithLabelValues("rejected").Inc()
		s.log.Info("health record precondition failed, retrying next tick")
	default:
		metrics.Transactions.WithLabelValues("applied").Inc()
	}
}

// cleanStaleHealth removes health entries of servers that are gone from
// the plan. Roles are told apart by their id prefix.
func (s *Supervisor) cleanStaleHealth(ctx context.Context, planned *agency.Node, idPrefix string) {
	var ops []agency.Operation
	for _, entry := range s.snapshot.ChildNode(cluster.SupervisionHealth).Children() {
		if !strings.HasPrefix(entry.Name, idPrefix) {
			continue
		}
		if planned.Has(entry.Name) {
			continue
		}
		s.log.Warn("removing health record of unplanned server", "server", entry.Name)
		ops = append(ops, agency.Delete(cluster.HealthPath(entry.Name)))
	}
	if len(ops) == 0 {
		return
	}
	if _, err := agency.SingleWrite(ctx, s.ag, ops...); err != nil {
		s.log.Warn("could not remove stale health records", "error", err)
	}
}

// shortName resolves a server's human-readable name.
func (s *Supervisor) shortName(serverID string) string {
	node, err := s.snapshot.Get(agency.JoinPath(cluster.TargetShortID, serverID, "ShortName"))
	if err != nil {
		return "Unknown"
	}
	name, ok := node.Str()
	if !ok {
		return "Unknown"
	}
	return name
}

// endpoint resolves a server's last registered endpoint.
func (s *Supervisor) endpoint(serverID string) string {
	node, err := s.snapshot.Get(agency.JoinPath(cluster.CurrentServersRegistered, serverID, "endpoint"))
	if err != nil {
		return ""
	}
	ep, _ := node.Str()
	return ep
}
