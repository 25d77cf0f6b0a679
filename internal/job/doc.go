// Package job implements the supervisor's long-running cluster jobs as
// crash-safe state machines whose entire persistent state lives in the
// agency under /Target/{ToDo,Pending,Finished,Failed}.
//
// # Model
//
// A job is not an in-memory actor. Every decision it makes is re-derived
// each tick from the agency snapshot, and every transition it performs —
// ToDo to Pending, Pending to Finished, anywhere to Failed — is a single
// agency transaction. The transitions that change the cluster (starting a
// job, and a server job's final plan rewrite) carry preconditions that
// encode the exact world the job believed it was acting on. If the world
// moved, the transaction is rejected, nothing changes, and the job retries
// on the next tick; two supervisor incarnations racing on such a step are
// linearized by the agency and exactly one wins. Moving a job to Finished
// or Failed carries no preconditions.
//
// While a job is in flight it blocks the shard or server it operates on
// by writing its id under /Supervision/Shards or /Supervision/DBServers;
// only the holding job advances a blocked resource, and finishing releases
// the block in the same transaction.
//
// # Variants
//
//	addFollower          grow a shard's replica list
//	removeFollower       shrink a shard's replica list
//	failedFollower       swap a failed follower for a healthy server
//	failedLeader         promote a follower over a failed leader
//	unassumedLeadership  re-assign a leadership that was never taken up
//	failedServer         fan out per-shard failover for a failed server
//	removeServer         decommission a failed server and relocate shards
//	cleanOutServer       drain a healthy server and retire it
//
// Shard-scoped jobs expand across distributeShardsLike clone groups: one
// sibling sub-job per cloned shard, ids "<parent>-<n>", so replication
// actions apply uniformly to the whole distribution group.
package job
