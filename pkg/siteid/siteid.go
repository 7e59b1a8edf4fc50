// Package siteid encodes and decodes the 64-bit site identities used
// throughout the metadata plane: a 4-bit role tag (stable) packed with a
// 60-bit ordinal (assigned dynamically by R2).
package siteid

import "fmt"

// Role identifies the kind of process a site-id names.
type Role uint8

const (
	RoleMDS Role = iota
	RoleMDSL
	RoleClient
	RoleR2
	RoleBP
	RoleAMC
)

const (
	roleBits    = 4
	roleMask    = (1 << roleBits) - 1
	ordinalMask = (uint64(1) << (64 - roleBits)) - 1
)

func (r Role) String() string {
	switch r {
	case RoleMDS:
		return "MDS"
	case RoleMDSL:
		return "MDSL"
	case RoleClient:
		return "CLIENT"
	case RoleR2:
		return "R2"
	case RoleBP:
		return "BP"
	case RoleAMC:
		return "AMC"
	default:
		return fmt.Sprintf("ROLE(%d)", uint8(r))
	}
}

// ID is a packed 64-bit site identity: the low 60 bits are the ordinal, the
// high 4 bits are the role tag.
type ID uint64

// New packs a role and ordinal into a site-id. Ordinal is truncated to 60
// bits; callers (R2's ordinal allocator) are expected to never exhaust that
// range.
func New(role Role, ordinal uint64) ID {
	return ID(uint64(role&roleMask)<<(64-roleBits) | (ordinal & ordinalMask))
}

// Role extracts the role tag.
func (id ID) Role() Role {
	return Role(uint64(id) >> (64 - roleBits) & roleMask)
}

// Ordinal extracts the 60-bit ordinal.
func (id ID) Ordinal() uint64 {
	return uint64(id) & ordinalMask
}

// Unassigned is the sentinel a site sends on first registration, meaning
// "R2, please assign me an id".
const Unassigned ID = ^ID(0)

func (id ID) String() string {
	if id == Unassigned {
		return "unassigned"
	}
	return fmt.Sprintf("%s.%d", id.Role(), id.Ordinal())
}
