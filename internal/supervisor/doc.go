// Package supervisor implements the warden control loop: the single
// elected task that observes the agency and drives the cluster toward its
// declared target topology.
//
// # Tick anatomy
//
// Once per tick the supervisor refreshes one snapshot of the replicated
// tree and one of the transient tree, and — while it is the agency leader
// and has been for at least the grace period — runs, in order:
//
//  1. agency schema upgrade and distributeShardsLike chain repair
//  2. health checks for DB servers and coordinators
//  3. shrinkCluster, then enforceReplication
//  4. job dispatch: every ToDo job gets a start attempt, every Pending
//     job a status re-evaluation
//
// Non-leaders only spin reading. All mutation goes through guarded agency
// transactions, so a deposed supervisor's writes lose cleanly against its
// successor's.
//
// # Shutdown
//
// BeginShutdown stops the loop cooperatively at the next tick boundary.
// A cluster-wide shutdown is requested through the agency instead: when
// /Shutdown is true the supervisor waits for every registered server to
// stop reporting GOOD, removes the marker, and exits.
package supervisor
