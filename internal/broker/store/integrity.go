package store

import (
	"context"
	"fmt"
)

// Integrity issue types.
const (
	IssueDuplicateRole  = "duplicate_role"
	IssueNonMonotonicTs = "non_monotonic_timestamp"
	IssueFirstNotUser   = "first_not_user"
)

// IntegrityIssue flags one suspicious turn within a conversation.
type IntegrityIssue struct {
	TurnID int64  `json:"turnId"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
	// Warning issues are informational; real agents may legitimately
	// produce them.
	Warning bool `json:"warning"`
}

// ConversationIssues groups issues found in one conversation.
type ConversationIssues struct {
	ConversationID string           `json:"conversationId"`
	Issues         []IntegrityIssue `json:"issues"`
}

// OrphanTurn is a turn whose parent conversation is missing. With
// foreign keys enforced these indicate external mutation.
type OrphanTurn struct {
	TurnID         int64  `json:"turnId"`
	ConversationID string `json:"conversationId"`
}

// IntegrityReport is the result of a full conversation-store scan.
type IntegrityReport struct {
	Orphans       []OrphanTurn         `json:"orphans"`
	Conversations []ConversationIssues `json:"conversations"`
}

// Clean reports whether the scan found nothing, counting warnings as
// issues.
func (r *IntegrityReport) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Conversations) == 0
}

// RunIntegrityCheck scans conversations and turns for orphans,
// consecutive same-role turns, non-monotonic timestamps, and
// conversations whose first turn is not from the user (warning only).
// Violations are reported, never repaired.
func (s *Store) RunIntegrityCheck(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.turn_id, t.conversation_id FROM turns t
		 LEFT JOIN conversations c ON c.conversation_id = t.conversation_id
		 WHERE c.conversation_id IS NULL ORDER BY t.turn_id`)
	if err != nil {
		return nil, fmt.Errorf("orphan scan: %w", err)
	}
	for rows.Next() {
		var o OrphanTurn
		if err := rows.Scan(&o.TurnID, &o.ConversationID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("orphan scan row: %w", err)
		}
		report.Orphans = append(report.Orphans, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT conversation_id, turn_id, role, created_at FROM turns
		 ORDER BY conversation_id, turn_id`)
	if err != nil {
		return nil, fmt.Errorf("sequence scan: %w", err)
	}
	defer rows.Close()

	var (
		current  string
		issues   []IntegrityIssue
		prevRole string
		prevTs   int64
		first    bool
	)
	flush := func() {
		if current != "" && len(issues) > 0 {
			report.Conversations = append(report.Conversations, ConversationIssues{
				ConversationID: current,
				Issues:         issues,
			})
		}
		issues = nil
	}

	for rows.Next() {
		var convID, role string
		var turnID, ts int64
		if err := rows.Scan(&convID, &turnID, &role, &ts); err != nil {
			return nil, fmt.Errorf("sequence scan row: %w", err)
		}
		if convID != current {
			flush()
			current = convID
			prevRole, prevTs = "", 0
			first = true
		}
		if first && role != RoleUser {
			issues = append(issues, IntegrityIssue{
				TurnID:  turnID,
				Type:    IssueFirstNotUser,
				Detail:  fmt.Sprintf("first turn has role %s", role),
				Warning: true,
			})
		}
		if !first && role == prevRole {
			issues = append(issues, IntegrityIssue{
				TurnID: turnID,
				Type:   IssueDuplicateRole,
				Detail: fmt.Sprintf("consecutive %s turns", role),
			})
		}
		if !first && ts < prevTs {
			issues = append(issues, IntegrityIssue{
				TurnID: turnID,
				Type:   IssueNonMonotonicTs,
				Detail: fmt.Sprintf("timestamp %d precedes previous %d", ts, prevTs),
			})
		}
		prevRole, prevTs = role, ts
		first = false
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()

	return report, nil
}
