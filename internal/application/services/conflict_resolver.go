package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"

	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/repositories"
	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ConflictResolver decides the final value when two writes disagree on a
// cell, and audits stored cells against the dataset schema
type ConflictResolver struct {
	repo repositories.DatasetRepository
}

// NewConflictResolver creates a new conflict resolver
func NewConflictResolver(repo repositories.DatasetRepository) *ConflictResolver {
	return &ConflictResolver{repo: repo}
}

// ResolveConflict picks between a proposed and the current value. Explicit
// confidence beats recency: with scores on both sides the higher one wins and
// a tie keeps the current value. Two unscored objects are deep-merged.
// Anything else keeps the current value and is reported as unresolved.
func (r *ConflictResolver) ResolveConflict(proposed, current entities.ConflictCandidate, cc entities.ConflictContext) entities.ConflictResolutionResult {
	where := entities.CellID(cc.DatasetID, cc.Row, cc.ColumnID)

	if proposed.Confidence != nil && current.Confidence != nil {
		p, c := *proposed.Confidence, *current.Confidence
		if p > c {
			return entities.ConflictResolutionResult{
				Success:            true,
				ResolvedValue:      proposed.Value,
				ResolvedConfidence: entities.Float64Ptr(p),
				ConflictNotes:      []string{fmt.Sprintf("%s: proposed confidence %.2f beat current %.2f", where, p, c)},
				ResolutionMethod:   entities.ResolutionConfidenceBased,
				ProposalWon:        true,
			}
		}
		return entities.ConflictResolutionResult{
			Success:            true,
			ResolvedValue:      current.Value,
			ResolvedConfidence: entities.Float64Ptr(c),
			ConflictNotes:      []string{fmt.Sprintf("%s: current confidence %.2f kept over proposed %.2f", where, c, p)},
			ResolutionMethod:   entities.ResolutionConfidenceBased,
		}
	}

	if proposed.Confidence == nil && current.Confidence == nil &&
		proposed.Value.Kind() == entities.KindObject && current.Value.Kind() == entities.KindObject {
		var notes []string
		merged := deepMerge(current.Value, proposed.Value, "", &notes)
		if len(notes) == 0 {
			notes = []string{where + ": objects merged without overlapping fields"}
		}
		return entities.ConflictResolutionResult{
			Success:          true,
			ResolvedValue:    merged,
			ConflictNotes:    notes,
			ResolutionMethod: entities.ResolutionDeepMerge,
			ProposalWon:      !merged.Equal(current.Value),
		}
	}

	return entities.ConflictResolutionResult{
		Success:            false,
		ResolvedValue:      current.Value,
		ResolvedConfidence: current.Confidence,
		ConflictNotes:      []string{fmt.Sprintf("%s: unresolved proposal %s kept current value", where, proposed.Value.Kind())},
		ResolutionMethod:   entities.ResolutionKeepCurrent,
	}
}

// deepMerge overlays proposed onto current. Nested objects merge field by
// field; arrays and scalars from the proposal replace whole.
func deepMerge(current, proposed entities.CellValue, path string, notes *[]string) entities.CellValue {
	fields := make(map[string]entities.CellValue)
	for _, k := range current.Keys() {
		v, _ := current.Field(k)
		fields[k] = v
	}

	for _, k := range proposed.Keys() {
		pv, _ := proposed.Field(k)
		fieldPath := k
		if path != "" {
			fieldPath = path + "." + k
		}

		cv, exists := fields[k]
		switch {
		case !exists:
			fields[k] = pv
		case cv.Kind() == entities.KindObject && pv.Kind() == entities.KindObject:
			fields[k] = deepMerge(cv, pv, fieldPath, notes)
		case !cv.Equal(pv):
			*notes = append(*notes, fmt.Sprintf("field %s overwritten by proposal", fieldPath))
			fields[k] = pv
		}
	}
	return entities.ObjectValue(fields)
}

// ValidateDataConsistency sweeps every cell of a dataset and reports cells
// that are orphaned, point at unknown columns or fail their column type.
// It never modifies data.
func (r *ConflictResolver) ValidateDataConsistency(ctx context.Context, datasetID string) (*entities.ConsistencyReport, error) {
	exists, err := r.repo.DatasetExists(ctx, datasetID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to check dataset", err)
	}

	cells, err := r.repo.ListCells(ctx, datasetID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list cells", err)
	}

	report := &entities.ConsistencyReport{
		DatasetID:    datasetID,
		Issues:       []entities.ConsistencyIssue{},
		CheckedCells: len(cells),
	}

	if !exists {
		for _, c := range cells {
			report.Issues = append(report.Issues, entities.ConsistencyIssue{
				Type:     entities.IssueOrphanedCell,
				CellID:   c.ID,
				Row:      c.Row,
				ColumnID: c.ColumnID,
				Message:  fmt.Sprintf("dataset %s no longer exists", datasetID),
			})
		}
		report.IsValid = len(report.Issues) == 0
		return report, nil
	}

	schema, err := r.repo.GetColumnSchema(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	columns := make(map[string]entities.ColumnSchema, len(schema))
	for _, col := range schema {
		columns[col.ID] = col
	}

	for _, c := range cells {
		col, ok := columns[c.ColumnID]
		if !ok {
			report.Issues = append(report.Issues, entities.ConsistencyIssue{
				Type:     entities.IssueUnknownColumn,
				CellID:   c.ID,
				Row:      c.Row,
				ColumnID: c.ColumnID,
				Message:  fmt.Sprintf("column %s is not in the schema", c.ColumnID),
			})
			continue
		}
		if !matchesColumnType(c.Value, col.Type) {
			report.Issues = append(report.Issues, entities.ConsistencyIssue{
				Type:     entities.IssueTypeMismatch,
				CellID:   c.ID,
				Row:      c.Row,
				ColumnID: c.ColumnID,
				Message:  fmt.Sprintf("%s value does not satisfy column type %s", c.Value.Kind(), col.Type),
			})
		}
	}

	report.IsValid = len(report.Issues) == 0
	return report, nil
}

// matchesColumnType reports whether v satisfies t. Null always passes.
func matchesColumnType(v entities.CellValue, t entities.ColumnType) bool {
	if v.IsNull() {
		return true
	}
	switch t {
	case entities.ColumnTypeString:
		return v.Kind() == entities.KindString
	case entities.ColumnTypeNumber:
		return v.Kind() == entities.KindNumber
	case entities.ColumnTypeBoolean:
		return v.Kind() == entities.KindBool
	case entities.ColumnTypeURL:
		s, ok := v.AsString()
		if !ok {
			return false
		}
		u, err := url.ParseRequestURI(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	case entities.ColumnTypeEmail:
		s, ok := v.AsString()
		return ok && emailPattern.MatchString(s)
	}
	return true
}
