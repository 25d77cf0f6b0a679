package job

import (
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// AvailableServers returns the DB servers that may receive shards: the
// planned ones minus those already cleaned out. Order follows the plan's
// key order, so selection by index is deterministic for a given snapshot
// and seed.
func AvailableServers(snapshot *agency.Node) []string {
	var out []string
	for _, c := range snapshot.ChildNode(cluster.PlanDBServers).Children() {
		out = append(out, c.Name)
	}
	if cleaned, ok := snapshot.ChildNode(cluster.TargetCleanedServers).StringArray(); ok {
		out = slices.DeleteFunc(out, func(s string) bool {
			return slices.Contains(cleaned, s)
		})
	}
	return out
}

// ServerHealth returns a server's health Status, or "" when unknown.
func ServerHealth(snapshot *agency.Node, server string) string {
	node, err := snapshot.Get(cluster.HealthStatusPath(server))
	if err != nil {
		return ""
	}
	s, _ := node.Str()
	return s
}

// PlannedShardServers returns the planned replica list of a shard.
func PlannedShardServers(snapshot *agency.Node, db, col, shard string) ([]string, bool) {
	node, err := snapshot.Get(cluster.PlanShardPath(db, col, shard))
	if err != nil {
		return nil, false
	}
	return node.StringArray()
}

// CurrentShardServers returns the replica list a shard leader last
// reported.
func CurrentShardServers(snapshot *agency.Node, db, col, shard string) ([]string, bool) {
	node, err := snapshot.Get(cluster.CurrentShardServersPath(db, col, shard))
	if err != nil {
		return nil, false
	}
	return node.StringArray()
}

// sameServerLists reports whether two replica lists agree: identical
// leader, identical membership. Follower order is not significant.
func sameServerLists(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return len(a) == len(b)
	}
	if a[0] != b[0] {
		return false
	}
	restA := append([]string(nil), a[1:]...)
	restB := append([]string(nil), b[1:]...)
	slices.Sort(restA)
	slices.Sort(restB)
	return slices.Equal(restA, restB)
}

// ResolvePrototype follows distributeShardsLike links from col to the root
// of its clone chain.
func ResolvePrototype(snapshot *agency.Node, db, col string) string {
	seen := map[string]bool{}
	for !seen[col] {
		seen[col] = true
		node, err := snapshot.Get(agency.JoinPath(cluster.PlanCollections, db, col, "distributeShardsLike"))
		if err != nil {
			return col
		}
		proto, ok := node.Str()
		if !ok || proto == "" {
			return col
		}
		col = proto
	}
	return col
}

// CloneTarget names one cloned shard a shard-scoped job must also cover.
type CloneTarget struct {
	Collection string
	Shard      string
}

// cloneSiblings returns, for a shard of a prototype collection, the
// corresponding shard of every collection whose distributeShardsLike
// (transitively) resolves to it. Shard correspondence is by index in the
// key-ordered shard list. The prototype's own shard is not included.
func cloneSiblings(snapshot *agency.Node, db, col, shard string) []CloneTarget {
	protoShards := shardNames(snapshot, db, col)
	idx := slices.Index(protoShards, shard)
	if idx < 0 {
		return nil
	}

	var out []CloneTarget
	for _, c := range snapshot.ChildNode(agency.JoinPath(cluster.PlanCollections, db)).Children() {
		if c.Name == col {
			continue
		}
		if ResolvePrototype(snapshot, db, c.Name) != col {
			continue
		}
		siblingShards := shardNames(snapshot, db, c.Name)
		if idx < len(siblingShards) {
			out = append(out, CloneTarget{Collection: c.Name, Shard: siblingShards[idx]})
		}
	}
	return out
}

// shardNames returns a collection's shard names in key order.
func shardNames(snapshot *agency.Node, db, col string) []string {
	var out []string
	for _, s := range snapshot.ChildNode(agency.JoinPath(cluster.PlanCollections, db, col, "shards")).Children() {
		out = append(out, s.Name)
	}
	return out
}

// Abortable reports whether the job with the given id may be aborted.
// Follower-level jobs can be rolled back safely; server-level jobs cannot.
func Abortable(snapshot *agency.Node, id string) bool {
	for _, st := range []Status{StatusToDo, StatusPending} {
		node, err := snapshot.Get(agency.JoinPath(LocationPrefix(st), id, "type"))
		if err != nil {
			continue
		}
		typ, _ := node.Str()
		switch typ {
		case TypeAddFollower, TypeRemoveFollower, TypeFailedFollower,
			TypeFailedLeader, TypeUnassumedLeadership:
			return true
		default:
			return false
		}
	}
	return false
}

// childIDs returns the ids of a parent job's sub-jobs within one
// location. Sub-jobs are named "<parent>-<n>".
func childIDs(snapshot *agency.Node, st Status, parent string) []string {
	var out []string
	for _, c := range snapshot.ChildNode(LocationPrefix(st)).Children() {
		if strings.HasPrefix(c.Name, parent+"-") {
			out = append(out, c.Name)
		}
	}
	return out
}
