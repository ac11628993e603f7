package policy

import (
	"github.com/cuemby/warden/pkg/types"
)

// Permissions gating the API surfaces.
const (
	PermissionBackups  = "backups"
	PermissionRestores = "restores"
	PermissionAudit    = "audit"
	PermissionAdmin    = "admin"
)

// AuthorizationDecision is the verdict of a role permission check.
type AuthorizationDecision struct {
	Allowed            bool
	Reason             string
	RequiredPermission string
	Role               string
}

// Decision is the verdict of a backup or restore policy evaluation.
// ReasonCategory is the stable value written to the audit chain; Reason is
// human-readable.
type Decision struct {
	Allowed        bool
	Reason         string
	ReasonCategory string
	Role           string
	Classification types.Classification
}

// Engine evaluates role and classification policy. The tables are fixed at
// construction; policy records stored through the admin surface are review
// material, not live rules.
type Engine struct {
	rolePermissions           map[string]map[string]bool
	backupClassificationRoles map[types.Classification]map[string]bool
}

// NewEngine creates an engine with the default tables: operators submit
// backups only; admins and super admins additionally hold restores, audit,
// and admin.
func NewEngine() *Engine {
	allRoles := map[string]bool{"operator": true, "admin": true, "super_admin": true}
	return &Engine{
		rolePermissions: map[string]map[string]bool{
			"operator": {PermissionBackups: true},
			"admin": {
				PermissionBackups:  true,
				PermissionRestores: true,
				PermissionAudit:    true,
				PermissionAdmin:    true,
			},
			"super_admin": {
				PermissionBackups:  true,
				PermissionRestores: true,
				PermissionAudit:    true,
				PermissionAdmin:    true,
			},
		},
		backupClassificationRoles: map[types.Classification]map[string]bool{
			types.ClassificationPublic:       allRoles,
			types.ClassificationInternal:     allRoles,
			types.ClassificationConfidential: allRoles,
			types.ClassificationSecret:       allRoles,
		},
	}
}

// Authorize checks whether the principal's role carries a permission.
func (e *Engine) Authorize(principal *types.Principal, permission string) AuthorizationDecision {
	if principal == nil {
		return AuthorizationDecision{
			Allowed:            false,
			Reason:             "missing_principal",
			RequiredPermission: permission,
			Role:               "unknown",
		}
	}
	if e.rolePermissions[principal.Role][permission] {
		return AuthorizationDecision{
			Allowed:            true,
			Reason:             "allowed",
			RequiredPermission: permission,
			Role:               principal.Role,
		}
	}
	return AuthorizationDecision{
		Allowed:            false,
		Reason:             "permission_denied",
		RequiredPermission: permission,
		Role:               principal.Role,
	}
}

// EvaluateBackup decides whether the principal may submit a backup at the
// given classification.
func (e *Engine) EvaluateBackup(principal *types.Principal, classification types.Classification) Decision {
	if principal == nil {
		return Decision{
			Allowed:        false,
			Reason:         "Missing principal",
			ReasonCategory: "missing_principal",
			Role:           "unknown",
			Classification: classification,
		}
	}
	if e.backupClassificationRoles[classification][principal.Role] {
		return Decision{
			Allowed:        true,
			Reason:         "Backup allowed",
			ReasonCategory: "allowed",
			Role:           principal.Role,
			Classification: classification,
		}
	}
	return Decision{
		Allowed:        false,
		Reason:         "Role not permitted for classification",
		ReasonCategory: "role_restricted",
		Role:           principal.Role,
		Classification: classification,
	}
}

// EvaluateRestore decides whether the principal may restore a backup at the
// given classification. Restore stays more restrictive than backup: only
// admin and super_admin roles qualify regardless of classification.
func (e *Engine) EvaluateRestore(principal *types.Principal, classification types.Classification) Decision {
	if principal == nil {
		return Decision{
			Allowed:        false,
			Reason:         "Missing principal",
			ReasonCategory: "missing_principal",
			Role:           "unknown",
			Classification: classification,
		}
	}
	if principal.Role == "admin" || principal.Role == "super_admin" {
		return Decision{
			Allowed:        true,
			Reason:         "Restore allowed",
			ReasonCategory: "allowed",
			Role:           principal.Role,
			Classification: classification,
		}
	}
	return Decision{
		Allowed:        false,
		Reason:         "Role not permitted for restore",
		ReasonCategory: "role_restricted",
		Role:           principal.Role,
		Classification: classification,
	}
}
