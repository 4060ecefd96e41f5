package entities

import (
	"fmt"
	"time"
)

// ColumnType is the declared type of a dataset column
type ColumnType string

const (
	ColumnTypeString  ColumnType = "string"
	ColumnTypeNumber  ColumnType = "number"
	ColumnTypeBoolean ColumnType = "boolean"
	ColumnTypeURL     ColumnType = "url"
	ColumnTypeEmail   ColumnType = "email"
)

// ColumnSchema describes one column of a dataset
type ColumnSchema struct {
	ID       string     `json:"id" db:"id"`
	Name     string     `json:"name" db:"name"`
	Type     ColumnType `json:"type" db:"type"`
	Required bool       `json:"required" db:"required"`
}

// Cell is the value at one (row, column) of a dataset
type Cell struct {
	ID         string            `json:"id" db:"id"`
	DatasetID  string            `json:"dataset_id" db:"dataset_id"`
	Row        int               `json:"row" db:"row_index"`
	ColumnID   string            `json:"column_id" db:"column_id"`
	Value      CellValue         `json:"value" db:"value"`
	Confidence *float64          `json:"confidence,omitempty" db:"confidence"`
	Version    int               `json:"version" db:"version"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// CellID returns the stable identifier of a cell.
func CellID(datasetID string, row int, columnID string) string {
	return fmt.Sprintf("%s:%d:%s", datasetID, row, columnID)
}

// CellUpdate is a proposed write to a cell
type CellUpdate struct {
	Value      CellValue
	Confidence *float64
	Metadata   map[string]string
}

// Citation is a source backing an enriched cell
type Citation struct {
	URL        string `json:"url" db:"url"`
	Title      string `json:"title" db:"title"`
	Snippet    string `json:"snippet" db:"snippet"`
	ProviderID string `json:"provider_id" db:"provider_id"`
}

// Resolution methods recorded by the conflict resolver
const (
	ResolutionConfidenceBased = "confidence-based"
	ResolutionDeepMerge       = "deep-merge"
	ResolutionKeepCurrent     = "keep-current"
)

// ConflictCandidate is one side of a conflicting write
type ConflictCandidate struct {
	Value      CellValue `json:"value"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// ConflictContext identifies where a conflict happened
type ConflictContext struct {
	DatasetID string `json:"dataset_id"`
	Row       int    `json:"row"`
	ColumnID  string `json:"column_id"`
	Source    string `json:"source,omitempty"`
}

// ConflictResolutionResult is the outcome of resolving two writes
type ConflictResolutionResult struct {
	Success            bool      `json:"success"`
	ResolvedValue      CellValue `json:"resolved_value"`
	ResolvedConfidence *float64  `json:"resolved_confidence,omitempty"`
	ConflictNotes      []string  `json:"conflict_notes"`
	ResolutionMethod   string    `json:"resolution_method"`
	// ProposalWon is true when the resolved value differs from the current one.
	ProposalWon bool `json:"proposal_won"`
}

// IssueType classifies consistency problems
type IssueType string

const (
	IssueOrphanedCell  IssueType = "orphaned_cell"
	IssueUnknownColumn IssueType = "unknown_column"
	IssueTypeMismatch  IssueType = "type_mismatch"
)

// ConsistencyIssue is one flagged cell
type ConsistencyIssue struct {
	Type     IssueType `json:"type"`
	CellID   string    `json:"cell_id"`
	Row      int       `json:"row"`
	ColumnID string    `json:"column_id"`
	Message  string    `json:"message"`
}

// ConsistencyReport is the result of a dataset sweep
type ConsistencyReport struct {
	DatasetID    string             `json:"dataset_id"`
	IsValid      bool               `json:"is_valid"`
	Issues       []ConsistencyIssue `json:"issues"`
	CheckedCells int                `json:"checked_cells"`
}

// Float64Ptr is a helper for optional confidences.
func Float64Ptr(f float64) *float64 {
	return &f
}
