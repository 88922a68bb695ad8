package models

import "strings"

// Role is the normalized director/auditor role code.
type Role string

const (
	RoleCEO               Role = "CEO"
	RoleViceCEO           Role = "ViceCEO"
	RoleBoardChair        Role = "BoardChair"
	RoleBoardMember       Role = "BoardMember"
	RoleBoardAlternate    Role = "BoardAlternate"
	RoleEmployeeRep       Role = "EmployeeRep"
	RoleExternalMember    Role = "ExternalMember"
	RoleAuditor           Role = "Auditor"
	RoleAuditorPrincipal  Role = "AuditorPrincipal"
	RoleAuditorApproved   Role = "AuditorApproved"
	RoleAuditorAuthorized Role = "AuditorAuthorized"
	RoleUnknown           Role = "Unknown"
)

// swedishRoles maps lowercased Swedish role designations to normalized
// codes. Exact match is preferred; substring match is the fallback. Longer,
// more specific entries are listed first so substring matching does not
// swallow them (e.g. "vice verkställande direktör" before "verkställande
// direktör").
var swedishRoles = []struct {
	sv   string
	role Role
}{
	{"vice verkställande direktör", RoleViceCEO},
	{"extern verkställande direktör", RoleCEO},
	{"verkställande direktör", RoleCEO},
	{"styrelseordförande", RoleBoardChair},
	{"ordförande", RoleBoardChair},
	{"arbetstagarrepresentant", RoleEmployeeRep},
	{"arbetstagarledamot", RoleEmployeeRep},
	{"extern firmatecknare", RoleExternalMember},
	{"extern ledamot", RoleExternalMember},
	{"styrelsesuppleant", RoleBoardAlternate},
	{"suppleant", RoleBoardAlternate},
	{"styrelseledamot", RoleBoardMember},
	{"ledamot", RoleBoardMember},
	{"huvudansvarig revisor", RoleAuditorPrincipal},
	{"auktoriserad revisor", RoleAuditorAuthorized},
	{"godkänd revisor", RoleAuditorApproved},
	{"revisorssuppleant", RoleAuditor},
	{"revisionsbolag", RoleAuditor},
	{"revisor", RoleAuditor},
	{"vd", RoleCEO},
}

var allRoles = []Role{
	RoleCEO, RoleViceCEO, RoleBoardChair, RoleBoardMember, RoleBoardAlternate,
	RoleEmployeeRep, RoleExternalMember, RoleAuditor, RoleAuditorPrincipal,
	RoleAuditorApproved, RoleAuditorAuthorized, RoleUnknown,
}

// NormalizeRole maps a raw Swedish role designation to its normalized code.
// Matching is case-insensitive; exact matches win over substring matches.
// Already-normalized codes pass through unchanged, which makes the function
// idempotent.
func NormalizeRole(raw string) Role {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RoleUnknown
	}

	// Pass through values that are already normalized codes.
	for _, r := range allRoles {
		if trimmed == string(r) {
			return r
		}
	}

	lower := strings.ToLower(trimmed)
	for _, entry := range swedishRoles {
		if lower == entry.sv {
			return entry.role
		}
	}
	for _, entry := range swedishRoles {
		if strings.Contains(lower, entry.sv) {
			return entry.role
		}
	}
	return RoleUnknown
}

// IsAuditorRole reports whether the role belongs to the auditor family.
func IsAuditorRole(r Role) bool {
	switch r {
	case RoleAuditor, RoleAuditorPrincipal, RoleAuditorApproved, RoleAuditorAuthorized:
		return true
	}
	return false
}
