package cluster

// Health status of a supervised server. FAILED is sticky until the server
// reports a fresh heartbeat; only the BAD to FAILED transition triggers
// failover.
const (
	HealthGood   = "GOOD"
	HealthBad    = "BAD"
	HealthFailed = "FAILED"
)

// Server roles as recorded in health entries.
const (
	RoleDBServer    = "DBServer"
	RoleCoordinator = "Coordinator"
)

// Server IDs carry a two-letter role prefix. The supervisor treats the
// prefix as an opaque key when cleaning up health entries whose server is
// no longer planned.
const (
	DBServerIDPrefix    = "PR"
	CoordinatorIDPrefix = "CR"
)

// HealthRecord is the per-server document under /Supervision/Health.
// LastHeartbeatSent carries the server's own clock, LastHeartbeatAcked the
// supervisor's; the grace period is measured against the latter so skewed
// server clocks cannot fail a healthy machine.
type HealthRecord struct {
	LastHeartbeatSent   string `mapstructure:"LastHeartbeatSent"`
	LastHeartbeatAcked  string `mapstructure:"LastHeartbeatAcked"`
	LastHeartbeatStatus string `mapstructure:"LastHeartbeatStatus"`
	Status              string `mapstructure:"Status"`
	Role                string `mapstructure:"Role"`
	ShortName           string `mapstructure:"ShortName"`
	Endpoint            string `mapstructure:"Endpoint"`
}

// Map renders the record as an agency object, leaving out empty optional
// fields.
func (r HealthRecord) Map() map[string]any {
	m := map[string]any{
		"LastHeartbeatSent":   r.LastHeartbeatSent,
		"LastHeartbeatStatus": r.LastHeartbeatStatus,
		"Status":              r.Status,
		"Role":                r.Role,
		"ShortName":           r.ShortName,
	}
	if r.LastHeartbeatAcked != "" {
		m["LastHeartbeatAcked"] = r.LastHeartbeatAcked
	}
	if r.Endpoint != "" {
		m["Endpoint"] = r.Endpoint
	}
	return m
}
