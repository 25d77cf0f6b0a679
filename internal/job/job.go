package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/cluster"
)

// Job type discriminators as stored in the agency.
const (
	TypeAddFollower         = "addFollower"
	TypeRemoveFollower      = "removeFollower"
	TypeFailedFollower      = "failedFollower"
	TypeFailedLeader        = "failedLeader"
	TypeUnassumedLeadership = "unassumedLeadership"
	TypeFailedServer        = "failedServer"
	TypeRemoveServer        = "removeServer"
	TypeCleanOutServer      = "cleanOutServer"
	TypeMoveShard           = "moveShard" // created by operators, never by warden
)

// Status is a job's agency location.
type Status string

const (
	StatusToDo     Status = "ToDo"
	StatusPending  Status = "Pending"
	StatusFinished Status = "Finished"
	StatusFailed   Status = "Failed"
)

// LocationPrefix maps a status to its agency namespace.
func LocationPrefix(st Status) string {
	switch st {
	case StatusToDo:
		return cluster.TargetToDo
	case StatusPending:
		return cluster.TargetPending
	case StatusFinished:
		return cluster.TargetFinished
	default:
		return cluster.TargetFailed
	}
}

// ErrMalformed marks a job document missing a required key. Such jobs are
// moved to Failed and never retried.
var ErrMalformed = errors.New("job: malformed job document")

// ErrInfeasible marks a job whose feasibility check failed. Such jobs are
// moved to Failed and never retried.
var ErrInfeasible = errors.New("job: not feasible")

// Env is the per-tick execution environment handed to every job: the
// snapshot the whole tick reasons over, the agency to transact against,
// and injected time and randomness so tests are deterministic.
type Env struct {
	Snapshot *agency.Node
	Agency   agency.Agency
	Log      *slog.Logger
	Now      func() time.Time
	Rand     *rand.Rand
}

// timestamp renders the environment's current time the way the agency
// stores times.
func (e Env) timestamp() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// intn draws from the injected randomness source.
func (e Env) intn(n int) int {
	if e.Rand != nil {
		return e.Rand.Intn(n)
	}
	return rand.Intn(n)
}

// Document is the persistent job skeleton shared by every variant.
type Document struct {
	JobID       string   `mapstructure:"jobId"`
	Type        string   `mapstructure:"type"`
	Creator     string   `mapstructure:"creator"`
	TimeCreated string   `mapstructure:"timeCreated"`
	TimeStarted string   `mapstructure:"timeStarted"`
	Database    string   `mapstructure:"database"`
	Collection  string   `mapstructure:"collection"`
	Shard       string   `mapstructure:"shard"`
	Server      string   `mapstructure:"server"`
	FromServer  string   `mapstructure:"fromServer"`
	ToServer    string   `mapstructure:"toServer"`
	NewFollower []string `mapstructure:"newFollower"`
}

// Map renders the document as an agency object, omitting empty fields.
func (d Document) Map() map[string]any {
	m := map[string]any{
		"jobId":       d.JobID,
		"type":        d.Type,
		"creator":     d.Creator,
		"timeCreated": d.TimeCreated,
	}
	set := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	set("timeStarted", d.TimeStarted)
	set("database", d.Database)
	set("collection", d.Collection)
	set("shard", d.Shard)
	set("server", d.Server)
	set("fromServer", d.FromServer)
	set("toServer", d.ToServer)
	if len(d.NewFollower) > 0 {
		m["newFollower"] = d.NewFollower
	}
	return m
}

// Job is the polymorphic surface of all variants.
type Job interface {
	// ID returns the job's agency id.
	ID() string

	// Create writes the ToDo entry (and whatever companion entries the
	// variant needs) in one guarded transaction.
	Create(ctx context.Context) error

	// Start attempts the ToDo to Pending transition. A false return means
	// no progress this tick; the job stays where it is.
	Start(ctx context.Context) bool

	// Status re-evaluates a Pending job and returns its (possibly new)
	// location.
	Status(ctx context.Context) Status

	// Abort terminates the job if its variant supports aborting.
	Abort(ctx context.Context)
}

// base carries the identity and environment every variant shares.
type base struct {
	env     Env
	id      string
	creator string
	status  Status
	doc     Document
}

func (b *base) ID() string { return b.id }

// Run dispatches one tick of work for a loaded job: start ToDo jobs,
// re-evaluate Pending ones.
func Run(ctx context.Context, j Job, st Status) {
	switch st {
	case StatusToDo:
		j.Start(ctx)
	case StatusPending:
		j.Status(ctx)
	}
}

// Load reconstructs a job from its agency document at the given location.
// A document that cannot be decoded, or names an unknown type, is moved to
// Failed with a reason and ErrMalformed is returned.
func Load(ctx context.Context, env Env, st Status, id string) (Job, error) {
	node, err := env.Snapshot.Get(agency.JoinPath(LocationPrefix(st), id))
	if err != nil {
		return nil, fmt.Errorf("%w: job %s not in %s", ErrMalformed, id, st)
	}
	var doc Document
	if err := mapstructure.Decode(node.Value(), &doc); err != nil {
		failLoad(ctx, env, st, id, fmt.Sprintf("undecodable job document: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	doc.JobID = id

	b := base{env: env, id: id, creator: doc.Creator, status: st, doc: doc}
	var j Job
	var need []string
	switch doc.Type {
	case TypeAddFollower:
		j = &AddFollower{base: b}
		need = []string{doc.Database, doc.Collection, doc.Shard}
	case TypeRemoveFollower:
		j = &RemoveFollower{base: b}
		need = []string{doc.Database, doc.Collection, doc.Shard}
	case TypeFailedFollower:
		j = &FailedFollower{base: b}
		need = []string{doc.Database, doc.Collection, doc.Shard, doc.FromServer, doc.ToServer}
	case TypeFailedLeader:
		j = &FailedLeader{base: b}
		need = []string{doc.Database, doc.Collection, doc.Shard, doc.FromServer, doc.ToServer}
	case TypeUnassumedLeadership:
		j = &UnassumedLeadership{base: b}
		need = []string{doc.Database, doc.Collection, doc.Shard, doc.FromServer}
	case TypeFailedServer:
		j = &FailedServer{base: b}
		need = []string{doc.Server}
	case TypeRemoveServer:
		j = &RemoveServer{base: b}
		need = []string{doc.Server}
	case TypeCleanOutServer:
		j = &CleanOutServer{base: b}
		need = []string{doc.Server}
	default:
		failLoad(ctx, env, st, id, fmt.Sprintf("unknown job type %q", doc.Type))
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, doc.Type)
	}
	for _, field := range need {
		if field == "" {
			failLoad(ctx, env, st, id, fmt.Sprintf("job type %q missing a required field", doc.Type))
			return nil, fmt.Errorf("%w: job %s misses a required field", ErrMalformed, id)
		}
	}
	return j, nil
}

// failLoad moves an undecodable job document straight to Failed.
func failLoad(ctx context.Context, env Env, st Status, id, reason string) {
	env.logger().Error("moving malformed job to Failed", "jobId", id, "reason", reason)
	doc, _ := env.Snapshot.Get(agency.JoinPath(LocationPrefix(st), id))
	failed := map[string]any{"jobId": id, "reason": reason}
	if m, ok := doc.Value().(map[string]any); ok {
		for k, v := range m {
			failed[k] = v
		}
		failed["reason"] = reason
	}
	trx := agency.Transaction{Ops: []agency.Operation{
		agency.Delete(agency.JoinPath(LocationPrefix(st), id)),
		agency.Set(agency.JoinPath(cluster.TargetFailed, id), failed),
	}}
	if _, err := env.Agency.Transact(ctx, trx); err != nil {
		env.logger().Warn("could not record malformed job", "jobId", id, "error", err)
	}
}

// finish moves the job from its current location to Finished (success) or
// Failed, releasing its block in the same transaction. blockPath is the
// prefix-relative block entry ("/Supervision/Shards/s1"), empty when the
// job holds no block. Reports whether the transition was applied.
func (b *base) finish(ctx context.Context, blockPath string, success bool, reason string) bool {
	target := cluster.TargetFinished
	if !success {
		target = cluster.TargetFailed
	}

	final := b.doc.Map()
	final["timeFinished"] = b.env.timestamp()
	if reason != "" {
		final["reason"] = reason
	}

	ops := []agency.Operation{
		agency.Delete(agency.JoinPath(LocationPrefix(b.status), b.id)),
		agency.Set(agency.JoinPath(target, b.id), final),
	}
	if blockPath != "" {
		ops = append(ops, agency.Delete(blockPath))
	}

	res, err := b.env.Agency.Transact(ctx, agency.Transaction{Ops: ops})
	if err != nil || !res.Applied() {
		b.env.logger().Warn("finish transaction not applied", "jobId", b.id, "error", err)
		return false
	}
	if success {
		b.status = StatusFinished
	} else {
		b.status = StatusFailed
	}
	b.env.logger().Info("job finished", "jobId", b.id, "success", success, "reason", reason)
	return true
}

// pendingEntry returns the job document as it should appear under
// Pending: the ToDo content plus timeStarted.
func (b *base) pendingEntry() map[string]any {
	m := b.doc.Map()
	m["timeStarted"] = b.env.timestamp()
	return m
}
