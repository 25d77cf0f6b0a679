package cluster

import "github.com/dreamware/warden/internal/agency"

// Agency namespaces, relative to the configured agency prefix.
const (
	PlanDBServers    = "/Plan/DBServers"
	PlanCoordinators = "/Plan/Coordinators"
	PlanCollections  = "/Plan/Collections"
	PlanVersion      = "/Plan/Version"

	CurrentCollections       = "/Current/Collections"
	CurrentServersRegistered = "/Current/ServersRegistered"
	CurrentFoxxmaster        = "/Current/Foxxmaster"

	SyncServerStates = "/Sync/ServerStates"
	SyncLatestID     = "/Sync/LatestID"

	SupervisionHealth = "/Supervision/Health"
	BlockedShards     = "/Supervision/Shards"
	BlockedServers    = "/Supervision/DBServers"

	TargetToDo              = "/Target/ToDo"
	TargetPending           = "/Target/Pending"
	TargetFinished          = "/Target/Finished"
	TargetFailed            = "/Target/Failed"
	TargetFailedServers     = "/Target/FailedServers"
	TargetCleanedServers    = "/Target/CleanedServers"
	TargetNumberOfDBServers = "/Target/NumberOfDBServers"
	TargetShortID           = "/Target/MapUniqueToShortID"

	Shutdown = "/Shutdown"
)

// PlanShardPath returns the planned replica list of a shard.
// Element zero of that list is the shard leader.
func PlanShardPath(db, col, shard string) string {
	return agency.JoinPath(PlanCollections, db, col, "shards", shard)
}

// CurrentShardServersPath returns the actual replica list of a shard as
// reported by its leader.
func CurrentShardServersPath(db, col, shard string) string {
	return agency.JoinPath(CurrentCollections, db, col, shard, "servers")
}

// HealthPath returns a server's health record.
func HealthPath(server string) string {
	return agency.JoinPath(SupervisionHealth, server)
}

// HealthStatusPath returns a server's health Status entry.
func HealthStatusPath(server string) string {
	return agency.JoinPath(SupervisionHealth, server, "Status")
}

// ShardBlockPath returns the block marker entry of a shard.
func ShardBlockPath(shard string) string {
	return agency.JoinPath(BlockedShards, shard)
}

// ServerBlockPath returns the block marker entry of a DB server.
func ServerBlockPath(server string) string {
	return agency.JoinPath(BlockedServers, server)
}

// FailedServerShardsPath returns the list of shards awaiting follower
// failover on a failed server.
func FailedServerShardsPath(server string) string {
	return agency.JoinPath(TargetFailedServers, server)
}
