package tracking

import (
	"strings"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Permission is the access allowed on a range before a fault is raised.
type Permission uint8

const (
	PermissionNone  Permission = 0
	PermissionRead  Permission = 1 << 0
	PermissionWrite Permission = 1 << 1

	PermissionReadWrite = PermissionRead | PermissionWrite
)

// Intersect returns the access allowed by both p and other.
func (p Permission) Intersect(other Permission) Permission {
	return p & other
}

// CanRead reports whether reads are allowed without faulting.
func (p Permission) CanRead() bool { return p&PermissionRead != 0 }

// CanWrite reports whether writes are allowed without faulting.
func (p Permission) CanWrite() bool { return p&PermissionWrite != 0 }

// AccessType converts p to the host access type used for mprotect.
func (p Permission) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:  p.CanRead(),
		Write: p.CanWrite(),
	}
}

func (p Permission) String() string {
	if p == PermissionNone {
		return "none"
	}
	var parts []string
	if p.CanRead() {
		parts = append(parts, "read")
	}
	if p.CanWrite() {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}
