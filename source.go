package kdbus

import "github.com/creachadair/mds/value"

// Source provides facts about the process behind a connection, for
// metadata collection.
//
// Every method returns an absent value when the fact is unavailable,
// for example because the process has exited or the caller lacks
// permission to inspect it. Absent facts are left out of metadata;
// they are not errors.
type Source interface {
	// Credentials returns the process's numeric identity.
	Credentials() value.Maybe[Creds]
	// ProcessName returns the command name of the process.
	ProcessName() value.Maybe[string]
	// ThreadName returns the command name of the calling thread.
	ThreadName() value.Maybe[string]
	// ExecutablePath returns the path of the process's executable.
	ExecutablePath() value.Maybe[string]
	// CommandLine returns the process's NUL-separated argument list.
	CommandLine() value.Maybe[[]byte]
	// Capabilities returns the process's capability sets.
	Capabilities() value.Maybe[CapabilitySets]
}

// CapabilitySets are capability sets, and the highest capability
// number the system defines. Bits above LastCap are never reported.
type CapabilitySets struct {
	Caps
	LastCap int
}

// CgroupSource is implemented by Sources on systems with control
// groups. Without it, cgroup metadata is never attached.
type CgroupSource interface {
	Source
	// CgroupPath returns the process's control group path.
	CgroupPath() value.Maybe[string]
}

// AuditSource is implemented by Sources on systems with syscall
// auditing. Without it, audit metadata is never attached.
type AuditSource interface {
	Source
	// AuditInfo returns the process's audit session and login uid.
	AuditInfo() value.Maybe[Audit]
}

// SecuritySource is implemented by Sources on systems with a
// security module. Without it, security labels are never attached.
type SecuritySource interface {
	Source
	// SecurityLabel returns the process's security context.
	SecurityLabel() value.Maybe[[]byte]
}

// noSource is the Source of connections that were not given one.
type noSource struct{}

func (noSource) Credentials() value.Maybe[Creds]           { return value.Absent[Creds]() }
func (noSource) ProcessName() value.Maybe[string]          { return value.Absent[string]() }
func (noSource) ThreadName() value.Maybe[string]           { return value.Absent[string]() }
func (noSource) ExecutablePath() value.Maybe[string]       { return value.Absent[string]() }
func (noSource) CommandLine() value.Maybe[[]byte]          { return value.Absent[[]byte]() }
func (noSource) Capabilities() value.Maybe[CapabilitySets] { return value.Absent[CapabilitySets]() }
