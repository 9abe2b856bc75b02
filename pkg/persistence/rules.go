package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/yuhi-dope/ai-agent-all/internal/apperrors"
)

// autoAppendMarker delimits the section of a rule document that this
// package owns; everything below it is candidate improvements applied one
// at a time, never hand-edited (spec.md §4.7, "Rule-change proposals").
const autoAppendMarker = "<!-- auto-appended improvements -->"

// RuleRepository persists and applies rule-change proposals against a
// tenant's named rule documents.
type RuleRepository struct {
	db  *sqlx.DB
	log logr.Logger
}

func NewRuleRepository(db *sqlx.DB, log logr.Logger) *RuleRepository {
	return &RuleRepository{db: db, log: log}
}

// SavePendingImprovements inserts a new pending proposal for runID against
// ruleName, unless an identical proposed_text is already pending for that
// rule (spec.md §4.7: repeated failures must not spam duplicate proposals).
func (r *RuleRepository) SavePendingImprovements(ctx context.Context, runID, ruleName, proposedText, genre string) (string, error) {
	var existing string
	err := r.db.GetContext(ctx, &existing, `
		SELECT id FROM rule_change_proposals
		WHERE rule_name = $1 AND proposed_text = $2 AND status = $3
		LIMIT 1
	`, ruleName, proposedText, ProposalPending)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "check existing proposal failed")
	}

	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rule_change_proposals (id, run_id, rule_name, proposed_text, genre, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, id, runID, ruleName, proposedText, genre, ProposalPending)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "save pending improvement failed")
	}
	return id, nil
}

// ListPendingProposals returns every pending proposal, optionally filtered
// to a single rule name.
func (r *RuleRepository) ListPendingProposals(ctx context.Context, ruleName string) ([]RuleChangeProposal, error) {
	var proposals []RuleChangeProposal
	query := `SELECT * FROM rule_change_proposals WHERE status = $1`
	args := []any{ProposalPending}
	if ruleName != "" {
		query += ` AND rule_name = $2`
		args = append(args, ruleName)
	}
	query += ` ORDER BY created_at ASC`
	if err := r.db.SelectContext(ctx, &proposals, r.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "list pending proposals failed")
	}
	return proposals, nil
}

// ApplyProposal appends proposedText below the auto-append marker in
// currentDoc and marks the proposal approved. If the first three lines of
// proposedText already appear verbatim somewhere below the marker, the
// proposal is treated as already applied and currentDoc is returned
// unchanged — this is the duplicate-check the spec calls for since two
// independently-raised proposals can describe the same fix in slightly
// different words upstream of this point (spec.md §4.7).
func (r *RuleRepository) ApplyProposal(ctx context.Context, proposalID, reviewerID, currentDoc, proposedText string) (string, error) {
	marker := strings.Index(currentDoc, autoAppendMarker)
	appended := currentDoc
	alreadyApplied := false
	if marker >= 0 {
		below := currentDoc[marker+len(autoAppendMarker):]
		if fingerprintLines(proposedText, 3) != "" && strings.Contains(below, fingerprintLines(proposedText, 3)) {
			alreadyApplied = true
		}
	} else {
		appended = currentDoc + "\n" + autoAppendMarker + "\n"
	}

	if !alreadyApplied {
		appended = strings.TrimRight(appended, "\n") + "\n\n" + strings.TrimSpace(proposedText) + "\n"
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE rule_change_proposals SET status = $1, reviewer_id = $2 WHERE id = $3 AND status = $4
	`, ProposalApproved, reviewerID, proposalID, ProposalPending)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "apply proposal failed")
	}
	return appended, nil
}

// RejectProposal marks a pending proposal rejected without touching the
// rule document.
func (r *RuleRepository) RejectProposal(ctx context.Context, proposalID, reviewerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rule_change_proposals SET status = $1, reviewer_id = $2 WHERE id = $3 AND status = $4
	`, ProposalRejected, reviewerID, proposalID, ProposalPending)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "reject proposal failed")
	}
	return nil
}

// fingerprintLines joins the first n non-blank lines of text, used as a
// cheap "is this the same change" signal for the duplicate check above.
func fingerprintLines(text string, n int) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}
