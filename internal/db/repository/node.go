package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nanofarm/jobwatch/internal/db/models"
	"github.com/uptrace/bun"
)

type NodeRepository struct {
	db bun.IDB
}

func NewNodeRepository(db *bun.DB) INodeRepository {
	return &NodeRepository{db: db}
}

func (r *NodeRepository) GetByName(ctx context.Context, nodeName string) (*models.Node, error) {
	var node models.Node
	err := r.db.NewSelect().
		Model(&node).
		Where("node_name = ?", nodeName).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &node, nil
}

func (r *NodeRepository) List(ctx context.Context) ([]models.Node, error) {
	var nodes []models.Node
	err := r.db.NewSelect().
		Model(&nodes).
		OrderExpr("node_name ASC").
		Scan(ctx)

	return nodes, err
}

// Upsert replaces the node's metadata wholesale; unlike job results,
// node rows are administrative and the latest registration wins.
func (r *NodeRepository) Upsert(ctx context.Context, node *models.Node) error {
	if node.ID == uuid.Nil {
		node.ID = uuid.Must(uuid.NewRandom())
	}
	node.UpdatedAt = time.Now().UTC()

	_, err := r.db.NewInsert().
		Model(node).
		On("CONFLICT (node_name) DO UPDATE").
		Set("ip_address = EXCLUDED.ip_address").
		Set("gpio_pin = EXCLUDED.gpio_pin").
		Set("node_type = EXCLUDED.node_type").
		Set("description = EXCLUDED.description").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}

func (r *NodeRepository) Delete(ctx context.Context, nodeName string) (bool, error) {
	res, err := r.db.NewDelete().
		Model((*models.Node)(nil)).
		Where("node_name = ?", nodeName).
		Exec(ctx)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *NodeRepository) WithDB(db *bun.DB) INodeRepository {
	return &NodeRepository{db: db}
}
