package core

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator mints ledger row IDs.
type IDGenerator interface {
	NewTransactionID() TransactionID
}

// SnowflakeIDs issues time-ordered IDs, so sorting rows by ID follows
// creation order.
type SnowflakeIDs struct {
	node *snowflake.Node
}

// NewSnowflakeIDs creates a generator for node (0-1023). Every process
// writing to the same database needs its own node number.
func NewSnowflakeIDs(node int64) (*SnowflakeIDs, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", node, err)
	}
	return &SnowflakeIDs{node: n}, nil
}

func (s *SnowflakeIDs) NewTransactionID() TransactionID {
	return TransactionID(s.node.Generate().String())
}
