package models

import (
	"time"

	"github.com/google/uuid"
)

// BlockType identifies a node's behavior
type BlockType string

const (
	BlockTrigger       BlockType = "TRIGGER"
	BlockHTTPRequest   BlockType = "HTTP_REQUEST"
	BlockCondition     BlockType = "CONDITION"
	BlockNotification  BlockType = "NOTIFICATION"
	BlockDelay         BlockType = "DELAY"
	BlockDataTransform BlockType = "DATA_TRANSFORM"
	BlockCalculator    BlockType = "CALCULATOR"
	BlockApproval      BlockType = "APPROVAL"
	BlockCustom        BlockType = "CUSTOM"
)

// Workflow is an immutable-per-version DAG of blocks
type Workflow struct {
	ID          uuid.UUID `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Name        string    `json:"name"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	Version     int       `json:"version"`
	Public      bool      `json:"public"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Node is one block placement inside a workflow
type Node struct {
	ID        string         `json:"id"`
	BlockType BlockType      `json:"block_type"`
	Config    map[string]any `json:"config"`
	Position  Position       `json:"position"`
}

// Position is builder layout only; the engine ignores it
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two nodes, optionally through a named source handle
// (e.g. "true"/"false" on a condition block)
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// NodeByID returns the node with the given id, if present
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}
