package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storewise-ai/storewise/internal/model"
)

const projectColumns = `id, name, slug, plan, run_limit, soft_threshold_pct,
	 hard_enforcement, require_approval, stripe_customer_id, created_at, updated_at`

// CreateProject inserts a project.
func (db *DB) CreateProject(ctx context.Context, p model.Project) (model.Project, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := db.pool.Exec(ctx,
		`INSERT INTO projects (id, name, slug, plan, run_limit, soft_threshold_pct,
		                       hard_enforcement, require_approval, stripe_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.Slug, p.Plan, p.RunLimit, p.SoftThresholdPct,
		p.HardEnforcement, p.RequireApproval, p.StripeCustomerID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: create project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (model.Project, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, ErrNotFound
		}
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	return p, nil
}

// GetProjectByStripeCustomer resolves a project from its Stripe customer ID.
// Used by webhook handlers, which only know the customer.
func (db *DB) GetProjectByStripeCustomer(ctx context.Context, customerID string) (model.Project, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE stripe_customer_id = $1`, customerID,
	)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Project{}, ErrNotFound
		}
		return model.Project{}, fmt.Errorf("storage: get project by stripe customer: %w", err)
	}
	return p, nil
}

// UpdateProjectPlan sets the plan and its derived quota settings. Called
// when billing events land.
func (db *DB) UpdateProjectPlan(ctx context.Context, id uuid.UUID, plan string, runLimit *int, hardEnforcement bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE projects SET plan = $1, run_limit = $2, hard_enforcement = $3, updated_at = now()
		 WHERE id = $4`,
		plan, runLimit, hardEnforcement, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update project plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectStripeCustomer records the Stripe customer created for a
// project.
func (db *DB) SetProjectStripeCustomer(ctx context.Context, id uuid.UUID, customerID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE projects SET stripe_customer_id = $1, updated_at = now() WHERE id = $2`,
		customerID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMemberRole returns the caller's role in a project, or ErrNotFound when
// they are not a member.
func (db *DB) GetMemberRole(ctx context.Context, projectID, userID uuid.UUID) (model.ProjectRole, error) {
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get member role: %w", err)
	}
	return model.ProjectRole(role), nil
}

// AddMember binds a user to a project, upserting the role.
func (db *DB) AddMember(ctx context.Context, projectID, userID uuid.UUID, role model.ProjectRole) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO project_members (project_id, user_id, role)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		projectID, userID, string(role),
	)
	if err != nil {
		return fmt.Errorf("storage: add member: %w", err)
	}
	return nil
}

// CreateUser inserts a user with a pre-hashed API key.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Name, u.APIKeyHash, u.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email for credential verification.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, name, api_key_hash, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.APIKeyHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user by email: %w", err)
	}
	return u, nil
}

func scanProject(row pgx.Row) (model.Project, error) {
	var p model.Project
	err := row.Scan(
		&p.ID, &p.Name, &p.Slug, &p.Plan, &p.RunLimit, &p.SoftThresholdPct,
		&p.HardEnforcement, &p.RequireApproval, &p.StripeCustomerID, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
