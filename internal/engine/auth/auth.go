package auth

import (
	"context"
	"fmt"
	"sort"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/repo"
)

const (
	PermBatchCreate      = "batch.create"
	PermBatchRead        = "batch.read"
	PermBatchCancel      = "batch.cancel"
	PermBatchFinalize    = "batch.finalize"
	PermEvaluationUpdate = "evaluation.update"
	PermEmissionRequest  = "emission.request"
	PermReportConfirm    = "report.confirm"
	PermReportRead       = "report.read"
	PermReportVerify     = "report.verify"
	PermPaymentCreate    = "payment.create"
	PermPaymentRead      = "payment.read"
	PermAuditRead        = "audit.read"
	PermRetryRead        = "retry.read"
)

// ForbiddenError indicates a missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %q lacks permission %s", e.Role, e.Permission)
}

// Service resolves role permissions from the role_permissions table.
type Service struct {
	Repo repo.Repo
}

// Require returns PERMISSION_DENIED unless actor's role grants perm.
func (s Service) Require(ctx context.Context, actor domain.Actor, perm string) error {
	if actor.ID == "" || actor.Role == "" {
		return apperrors.Wrap(apperrors.CodePermissionDenied, "permission denied: "+perm, ForbiddenError{Role: actor.Role, Permission: perm})
	}
	ok, err := s.Repo.RoleHasPermission(ctx, actor.Role, perm)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Wrap(apperrors.CodePermissionDenied, "permission denied: "+perm, ForbiddenError{Role: actor.Role, Permission: perm})
	}
	return nil
}

// RequireTenant rejects actors scoped to another tenant. Administrators and
// actors without a tenant scope see every tenant.
func RequireTenant(actor domain.Actor, tenantID string) error {
	if actor.Role == domain.RoleAdministrator || actor.TenantID == "" {
		return nil
	}
	if actor.TenantID != tenantID {
		return apperrors.PermissionDenied("tenant")
	}
	return nil
}

// Seed upserts roles and their permissions. It only adds grants; removing a
// permission from a role needs a migration.
func Seed(ctx context.Context, r repo.Repo, roles map[string][]string) error {
	tx, err := r.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, roleID := range ids {
		if err := r.InsertRole(ctx, tx, roleID, ""); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range roles[roleID] {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, roleID, err)
			}
		}
	}
	return tx.Commit()
}
