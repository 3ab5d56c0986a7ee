package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Node holds address metadata for one cluster node. The ip_address is
// what the power resolver matches against Prometheus instance labels.
type Node struct {
	bun.BaseModel `bun:"table:nodes"`

	ID          uuid.UUID `bun:",pk,type:uuid"`
	NodeName    string    `bun:",notnull,unique"`
	IPAddress   string    `bun:",notnull"`
	GPIOPin     *int
	NodeType    string `bun:",notnull,default:'jetson'"`
	Description *string
	CreatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
