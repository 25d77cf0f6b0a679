// Package cluster defines the shared vocabulary of the supervised
// cluster: the agency paths warden reads and writes, server health states,
// server roles, and the health record schema. Both the job subsystem and
// the supervisor build on these; nothing here talks to the agency itself.
package cluster
