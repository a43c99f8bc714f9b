package agent

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/errors"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Model identifiers for different capability levels.
const (
	// ModelHaiku is the lightweight, fast model for checks.
	ModelHaiku = "claude-3-5-haiku-20241022"
	// ModelSonnet is the balanced model for standard work.
	ModelSonnet = "claude-sonnet-4-20250514"
	// ModelOpus is the most capable model for planning and direction.
	ModelOpus = "claude-opus-4-5-20251101"
)

// Permission is an action an agent role may take.
type Permission string

const (
	PermReadTickets  Permission = "read_tickets"
	PermWriteTickets Permission = "write_tickets"
	PermCallAgent    Permission = "call_agent"
	PermScanCodebase Permission = "scan_codebase"
	PermEscalate     Permission = "escalate"
	PermExecuteCode  Permission = "execute_code"
)

// AllPermissions returns every permission in display order.
func AllPermissions() []Permission {
	return []Permission{PermReadTickets, PermWriteTickets, PermCallAgent, PermScanCodebase, PermEscalate, PermExecuteCode}
}

// Valid returns true if the permission is known.
func (p Permission) Valid() bool {
	for _, known := range AllPermissions() {
		if p == known {
			return true
		}
	}
	return false
}

// Role is the static configuration of one tree level.
type Role struct {
	Name        string       `json:"name"`
	Level       models.Level `json:"level"`
	Permissions []Permission `json:"permissions"`
	Model       string       `json:"model"`
}

// Can reports whether the role holds p.
func (r Role) Can(p Permission) bool {
	for _, have := range r.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// RoleTable maps tree levels to roles. It is read-only after construction.
type RoleTable struct {
	roles [models.MaxLevel + 1]Role
}

var defaultRoles = [models.MaxLevel + 1]struct {
	perms []Permission
	model string
}{
	models.LevelBoss:           {AllPermissions(), ModelOpus},
	models.LevelOrchestrator:   {[]Permission{PermReadTickets, PermWriteTickets, PermCallAgent, PermEscalate}, ModelOpus},
	models.LevelDomainDirector: {[]Permission{PermReadTickets, PermWriteTickets, PermCallAgent, PermEscalate}, ModelOpus},
	models.LevelAreaManager:    {[]Permission{PermReadTickets, PermWriteTickets, PermCallAgent, PermEscalate}, ModelSonnet},
	models.LevelTeamLead:       {[]Permission{PermReadTickets, PermWriteTickets, PermCallAgent}, ModelSonnet},
	models.LevelPlanner:        {[]Permission{PermReadTickets, PermCallAgent, PermScanCodebase}, ModelOpus},
	models.LevelSpecialist:     {[]Permission{PermReadTickets, PermCallAgent, PermScanCodebase}, ModelSonnet},
	models.LevelWorker:         {[]Permission{PermReadTickets, PermScanCodebase, PermExecuteCode}, ModelSonnet},
	models.LevelReviewer:       {[]Permission{PermReadTickets, PermScanCodebase}, ModelSonnet},
	models.LevelChecker:        {[]Permission{PermReadTickets, PermExecuteCode}, ModelHaiku},
}

// DefaultRoles returns the built-in role table.
func DefaultRoles() *RoleTable {
	t := &RoleTable{}
	for l := models.LevelBoss; l <= models.MaxLevel; l++ {
		d := defaultRoles[l]
		t.roles[l] = Role{
			Name:        l.String(),
			Level:       l,
			Permissions: append([]Permission(nil), d.perms...),
			Model:       d.model,
		}
	}
	return t
}

// NewRoleTable applies overrides, keyed by role name, to the defaults.
func NewRoleTable(overrides map[string]config.RoleConfig) (*RoleTable, error) {
	t := DefaultRoles()

	byName := make(map[string]models.Level)
	for l := models.LevelBoss; l <= models.MaxLevel; l++ {
		byName[l.String()] = l
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs errors.ValidationErrors
	for _, name := range names {
		rc := overrides[name]
		l, ok := byName[name]
		if !ok {
			errs = append(errs, errors.NewValidationError("agents.roles", fmt.Sprintf("unknown role %q", name)))
			continue
		}
		if rc.Permissions != nil {
			perms := make([]Permission, 0, len(rc.Permissions))
			for _, p := range rc.Permissions {
				perm := Permission(p)
				if !perm.Valid() {
					errs = append(errs, errors.NewValidationError("agents.roles."+name, fmt.Sprintf("unknown permission %q", p)))
					continue
				}
				perms = append(perms, perm)
			}
			t.roles[l].Permissions = perms
		}
		if rc.Model != "" {
			t.roles[l].Model = rc.Model
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return t, nil
}

// Role returns the role for a level. Out-of-range levels get an empty role.
func (t *RoleTable) Role(l models.Level) Role {
	if !l.Valid() {
		return Role{Name: l.String(), Level: l}
	}
	r := t.roles[l]
	r.Permissions = append([]Permission(nil), r.Permissions...)
	return r
}

// Can reports whether the role at level l holds p.
func (t *RoleTable) Can(l models.Level, p Permission) bool {
	return l.Valid() && t.roles[l].Can(p)
}

// ModelFor returns the model assigned to level l.
func (t *RoleTable) ModelFor(l models.Level) string {
	if !l.Valid() {
		return ""
	}
	return t.roles[l].Model
}

// Roles returns every role in level order.
func (t *RoleTable) Roles() []Role {
	out := make([]Role, 0, len(t.roles))
	for l := models.LevelBoss; l <= models.MaxLevel; l++ {
		out = append(out, t.Role(l))
	}
	return out
}

// PermissionTable returns role name -> permissions.
func (t *RoleTable) PermissionTable() map[string][]Permission {
	out := make(map[string][]Permission, len(t.roles))
	for _, r := range t.Roles() {
		out[r.Name] = r.Permissions
	}
	return out
}

// ModelTable returns role name -> model.
func (t *RoleTable) ModelTable() map[string]string {
	out := make(map[string]string, len(t.roles))
	for _, r := range t.Roles() {
		out[r.Name] = r.Model
	}
	return out
}
