package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/repo"
)

type DeploymentStore struct {
	db DB
}

func NewDeploymentStore(db DB) *DeploymentStore {
	if db == nil {
		return nil
	}
	return &DeploymentStore{db: db}
}

const insertDeploymentQuery = `INSERT INTO deployments (
	deployment_id,
	owner,
	display_name,
	status,
	created_at,
	updated_at,
	descriptor,
	build_reference,
	invocation_address,
	failure_stage,
	failure_message,
	cleanup_warning
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (deployment_id) DO NOTHING`

func (s *DeploymentStore) Create(ctx context.Context, d domain.Deployment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("deployment store not initialized")
	}
	if err := d.Validate(); err != nil {
		return err
	}
	descJSON, err := encodeDescriptor(d.Descriptor)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	createdAt := normalizeTime(d.CreatedAt)
	updatedAt := normalizeTime(d.UpdatedAt)
	var failureStage, failureMessage sql.NullString
	if d.FailureCause != nil {
		failureStage = nullIfEmpty(d.FailureCause.Stage)
		failureMessage = nullIfEmpty(d.FailureCause.Message)
	}
	res, err := s.db.ExecContext(
		ctx,
		insertDeploymentQuery,
		strings.TrimSpace(d.ID),
		nullIfEmpty(strings.TrimSpace(d.Owner)),
		strings.TrimSpace(d.DisplayName),
		string(d.Status),
		createdAt,
		updatedAt,
		descJSON,
		nullIfEmpty(d.BuildReference),
		nullIfEmpty(d.InvocationAddress),
		failureStage,
		failureMessage,
		nullIfEmpty(d.CleanupWarning),
	)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	if affected == 0 {
		return repo.ErrExists
	}
	return nil
}

const selectDeploymentQuery = `SELECT deployment_id, owner, display_name, status, created_at, updated_at,
	descriptor, build_reference, invocation_address, failure_stage, failure_message, cleanup_warning
 FROM deployments
 WHERE deployment_id = $1`

func (s *DeploymentStore) Get(ctx context.Context, id string) (domain.Deployment, error) {
	if s == nil || s.db == nil {
		return domain.Deployment{}, fmt.Errorf("deployment store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Deployment{}, fmt.Errorf("deployment id is required")
	}
	row := s.db.QueryRowContext(ctx, selectDeploymentQuery, id)
	d, err := scanDeployment(row.Scan)
	if err != nil {
		return domain.Deployment{}, handleNotFound(err)
	}
	return d, nil
}

func buildDeploymentListQuery(filter repo.DeploymentFilter) (string, []any) {
	query := `SELECT deployment_id, owner, display_name, status, created_at, updated_at,
		descriptor, build_reference, invocation_address, failure_stage, failure_message, cleanup_warning
	 FROM deployments`
	var conds []string
	var args []any
	if !filter.IncludeDeleted {
		args = append(args, string(domain.StatusDeleted))
		conds = append(conds, fmt.Sprintf("status <> $%d", len(args)))
	}
	if owner := strings.TrimSpace(filter.Owner); owner != "" {
		args = append(args, owner)
		conds = append(conds, fmt.Sprintf("owner = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, deployment_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *DeploymentStore) List(ctx context.Context, filter repo.DeploymentFilter) ([]domain.Deployment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("deployment store not initialized")
	}
	query, args := buildDeploymentListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return out, nil
}

const updateStatusQuery = `UPDATE deployments SET
	status = $3,
	updated_at = $4,
	descriptor = CASE WHEN $3 = 'deleted' THEN NULL ELSE COALESCE($5, descriptor) END,
	build_reference = CASE WHEN $3 = 'deleted' THEN NULL ELSE COALESCE($6, build_reference) END,
	invocation_address = CASE
		WHEN $3 = 'deleted' OR $9 IS NOT NULL THEN NULL
		ELSE COALESCE($7, invocation_address)
	END,
	failure_stage = COALESCE($8, failure_stage),
	failure_message = COALESCE($9, failure_message),
	cleanup_warning = COALESCE($10, cleanup_warning)
 WHERE deployment_id = $1 AND status = $2`

// UpdateStatus performs a compare-and-swap on the record's status so that a
// stage completion racing a user deletion cannot overwrite the winner.
func (s *DeploymentStore) UpdateStatus(ctx context.Context, id string, from, to domain.DeploymentStatus, update repo.StatusUpdate) (domain.Deployment, error) {
	if s == nil || s.db == nil {
		return domain.Deployment{}, fmt.Errorf("deployment store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Deployment{}, fmt.Errorf("deployment id is required")
	}
	if !from.CanTransitionTo(to) {
		return domain.Deployment{}, fmt.Errorf("invalid transition %q -> %q", from, to)
	}
	descJSON, err := encodeDescriptor(update.Descriptor)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("encode descriptor: %w", err)
	}
	var failureStage, failureMessage sql.NullString
	if update.FailureCause != nil {
		failureStage = sql.NullString{String: update.FailureCause.Stage, Valid: true}
		failureMessage = sql.NullString{String: update.FailureCause.Message, Valid: true}
	}
	res, err := s.db.ExecContext(
		ctx,
		updateStatusQuery,
		id,
		string(from),
		string(to),
		normalizeTime(time.Time{}),
		descJSON,
		nullIfEmpty(update.BuildReference),
		nullIfEmpty(update.InvocationAddress),
		failureStage,
		failureMessage,
		nullIfEmpty(update.CleanupWarning),
	)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("update deployment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("update deployment status: %w", err)
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return domain.Deployment{}, getErr
		}
		return domain.Deployment{}, fmt.Errorf("%w: status is %q, expected %q", repo.ErrConflict, current.Status, from)
	}
	return s.Get(ctx, id)
}

func scanDeployment(scan func(dest ...any) error) (domain.Deployment, error) {
	var d domain.Deployment
	var owner, buildRef, address, failureStage, failureMessage, cleanupWarning sql.NullString
	var descJSON []byte
	var status string
	if err := scan(
		&d.ID, &owner, &d.DisplayName, &status, &d.CreatedAt, &d.UpdatedAt,
		&descJSON, &buildRef, &address, &failureStage, &failureMessage, &cleanupWarning,
	); err != nil {
		return domain.Deployment{}, err
	}
	d.Owner = owner.String
	d.Status = domain.DeploymentStatus(status)
	d.BuildReference = buildRef.String
	d.InvocationAddress = address.String
	d.CleanupWarning = cleanupWarning.String
	if failureStage.Valid {
		d.FailureCause = &domain.FailureCause{
			Stage:   failureStage.String,
			Message: failureMessage.String,
		}
	}
	desc, err := decodeDescriptor(descJSON)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("decode descriptor: %w", err)
	}
	d.Descriptor = desc
	return d, nil
}
