package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	"github.com/habitio/habit-cortex-orchestrator/internal/repository"
)

const productColumns = `id, name, slug, port, replicas, status, env_vars, shared_key, image_id, image_name, service_id, deployed_at, created_at, updated_at`

// CreateProduct inserts a product and populates its identifier and timestamps.
func (r *Repository) CreateProduct(ctx context.Context, product *domain.Product) error {
	if product == nil {
		return fmt.Errorf("product required")
	}
	env, err := marshalJSON(product.EnvVars, "{}")
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	const query = `INSERT INTO products (name, slug, port, replicas, status, env_vars, shared_key, image_id, image_name, service_id, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`
	err = r.pool.QueryRow(ctx, query,
		product.Name,
		product.Slug,
		product.Port,
		product.Replicas,
		string(product.Status),
		env,
		product.SharedKey,
		product.ImageID,
		product.ImageName,
		product.ServiceID,
		product.DeployedAt,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
	return mapError(err)
}

// GetProduct fetches a product by identifier.
func (r *Repository) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	product, err := scanProduct(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return product, nil
}

// ListProducts returns all products ordered by identifier.
func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return r.listProducts(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
}

// ListDeployedProducts returns products with a recorded cluster service.
func (r *Repository) ListDeployedProducts(ctx context.Context) ([]domain.Product, error) {
	return r.listProducts(ctx, `SELECT `+productColumns+` FROM products WHERE service_id IS NOT NULL ORDER BY id`)
}

func (r *Repository) listProducts(ctx context.Context, query string, args ...any) ([]domain.Product, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	return products, rows.Err()
}

// UpdateProduct persists operator-editable fields.
func (r *Repository) UpdateProduct(ctx context.Context, product *domain.Product) error {
	if product == nil {
		return fmt.Errorf("product required")
	}
	env, err := marshalJSON(product.EnvVars, "{}")
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	const query = `UPDATE products
		SET name = $2,
			replicas = $3,
			env_vars = $4,
			shared_key = $5,
			image_id = $6,
			image_name = $7,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	err = r.pool.QueryRow(ctx, query,
		product.ID,
		product.Name,
		product.Replicas,
		env,
		product.SharedKey,
		product.ImageID,
		product.ImageName,
	).Scan(&product.UpdatedAt)
	return mapError(err)
}

// UpdateProductState writes the lifecycle-owned columns.
func (r *Repository) UpdateProductState(ctx context.Context, id int64, status domain.Status, serviceID *string, deployedAt *time.Time) error {
	const query = `UPDATE products
		SET status = $2, service_id = $3, deployed_at = $4, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, string(status), serviceID, deployedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProductReplicas records a scaled replica count.
func (r *Repository) UpdateProductReplicas(ctx context.Context, id int64, replicas int) error {
	const query = `UPDATE products SET replicas = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, replicas)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProduct removes the product, its activity entries, and cascading children.
func (r *Repository) DeleteProduct(ctx context.Context, id int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM activity_log WHERE product_id = $1`, id); err != nil {
		return mapError(err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// ClearProductService stops the product if it still points at serviceID.
func (r *Repository) ClearProductService(ctx context.Context, id int64, serviceID string) (bool, error) {
	const query = `UPDATE products
		SET status = $3, service_id = NULL, deployed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND service_id = $2`
	tag, err := r.pool.Exec(ctx, query, id, serviceID, string(domain.StatusStopped))
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ProductConflicts reports whether slug or port are already used by another product.
func (r *Repository) ProductConflicts(ctx context.Context, slug string, port int, excludeID int64) (bool, bool, error) {
	const query = `SELECT
			COALESCE(BOOL_OR(slug = $1), FALSE),
			COALESCE(BOOL_OR(port = $2), FALSE)
		FROM products WHERE id <> $3 AND (slug = $1 OR port = $2)`
	var slugTaken, portTaken bool
	if err := r.pool.QueryRow(ctx, query, slug, port, excludeID).Scan(&slugTaken, &portTaken); err != nil {
		return false, false, err
	}
	return slugTaken, portTaken, nil
}

// SharedKeyExists reports whether any product already holds key.
func (r *Repository) SharedKeyExists(ctx context.Context, key string) (bool, error) {
	const query = `SELECT EXISTS (
			SELECT 1 FROM products
			WHERE shared_key = $1 OR env_vars ->> 'CORTEX_API_SHARED_KEY' = $1
		)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var (
		p      domain.Product
		status string
		env    []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Slug,
		&p.Port,
		&p.Replicas,
		&status,
		&env,
		&p.SharedKey,
		&p.ImageID,
		&p.ImageName,
		&p.ServiceID,
		&p.DeployedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	p.Status = parsed
	p.EnvVars = map[string]string{}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &p.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars for product %d: %w", p.ID, err)
		}
	}
	return &p, nil
}
