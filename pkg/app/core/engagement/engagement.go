// Package engagement tracks votes, comments and reports on an instrument.
package engagement

import (
	"strings"
	"unicode/utf8"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/app/core/instrument"
)

const MaxCommentLength = 500

type Action string

const (
	Upvote   Action = "upvote"
	Downvote Action = "downvote"
	Comment  Action = "comment"
	Report   Action = "report"
)

// Outcome says what an action did. Reprice is set when intrinsic inputs (upvotes or
// comments) changed; downvotes and reports never set it.
type Outcome struct {
	Action  Action
	Active  bool // the party's vote or report is in place after the action
	Changed bool
	Reprice bool
}

// Apply records party's action on inst in place. inst must be the caller's working copy.
func Apply(inst *instrument.Instrument, party string, action Action, content string) (Outcome, error) {
	if party == "" {
		return Outcome{}, apperr.Errorf(apperr.ErrNotFound, "party required")
	}
	inst.Normalize()

	switch action {
	case Upvote:
		return upvote(inst, party), nil
	case Downvote:
		return downvote(inst, party), nil
	case Comment:
		return comment(inst, content)
	case Report:
		return report(inst, party), nil
	default:
		return Outcome{}, apperr.Errorf(apperr.ErrInvalidEngagement, "unknown action %q", action)
	}
}

func upvote(inst *instrument.Instrument, party string) Outcome {
	out := Outcome{Action: Upvote, Changed: true, Reprice: true}

	switch inst.VoteOf(party) {
	case instrument.VoteUp:
		inst.Upvotes--
		delete(inst.Votes, party)
	case instrument.VoteDown:
		inst.Downvotes--
		inst.Upvotes++
		inst.Votes[party] = instrument.VoteUp
		out.Active = true
	default:
		inst.Upvotes++
		inst.Votes[party] = instrument.VoteUp
		out.Active = true
	}
	return out
}

func downvote(inst *instrument.Instrument, party string) Outcome {
	out := Outcome{Action: Downvote, Changed: true}

	switch inst.VoteOf(party) {
	case instrument.VoteDown:
		inst.Downvotes--
		delete(inst.Votes, party)
	case instrument.VoteUp:
		// losing the upvote lowers intrinsic value
		inst.Upvotes--
		inst.Downvotes++
		inst.Votes[party] = instrument.VoteDown
		out.Active = true
		out.Reprice = true
	default:
		inst.Downvotes++
		inst.Votes[party] = instrument.VoteDown
		out.Active = true
	}
	return out
}

func comment(inst *instrument.Instrument, content string) (Outcome, error) {
	n := utf8.RuneCountInString(strings.TrimSpace(content))
	if n == 0 || n > MaxCommentLength {
		return Outcome{}, apperr.Errorf(apperr.ErrInvalidEngagement,
			"comment must be 1..%d characters, got %d", MaxCommentLength, n)
	}
	inst.CommentsCount++
	return Outcome{Action: Comment, Active: true, Changed: true, Reprice: true}, nil
}

// report is idempotent per party.
func report(inst *instrument.Instrument, party string) Outcome {
	if inst.Reporters[party] {
		return Outcome{Action: Report, Active: true}
	}
	inst.Reporters[party] = true
	inst.ReportsCount++
	return Outcome{Action: Report, Active: true, Changed: true}
}
