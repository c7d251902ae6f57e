// Package verify decides whether a verified-user binding still matches the live character page.
//
// Evaluate is a pure function: it never touches storage, Discord or the network.
// The reconciliation scheduler applies the Decision it returns.
package verify

import (
	"strings"
	"time"

	"github.com/rwfdyrvrwq-cmyk/G3nbot/internal/storage"
)

// MaxFailedChecks is the strike count at which a binding is revoked for fetch errors
const MaxFailedChecks = 3

// WarnAtFailedChecks is the strike count at which the member is warned by DM
const WarnAtFailedChecks = 2

// Outcome classifies what should happen to a binding after one check
type Outcome int

const (
	// Unchanged means the fetch failed but the strike limit is not reached
	Unchanged Outcome = iota
	// RevokedForErrors means the fetch failed MaxFailedChecks times in a row
	RevokedForErrors
	// Confirmed means the live page still matches the binding
	Confirmed
	// RevokedForMismatch means the live page contradicts the binding
	RevokedForMismatch
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case RevokedForErrors:
		return "revoked_for_errors"
	case Confirmed:
		return "confirmed"
	case RevokedForMismatch:
		return "revoked_for_mismatch"
	default:
		return "unknown"
	}
}

// Revoked reports whether the binding must be deleted
func (o Outcome) Revoked() bool {
	return o == RevokedForErrors || o == RevokedForMismatch
}

// Field names a compared binding attribute
type Field string

const (
	FieldName        Field = "name"
	FieldGuild       Field = "guild"
	FieldCharacterID Field = "character ID"
)

// Observed is the identity read from the live character page
type Observed struct {
	Name        string
	Guild       string
	CharacterID string
}

// Decision is the result of evaluating one binding
type Decision struct {
	Outcome Outcome

	// Binding is the updated copy to persist (or, for revocations, the final state)
	Binding storage.Binding

	// Warn is set when the member should receive the strike warning DM
	Warn bool

	// Mismatches lists the fields that changed, for RevokedForMismatch
	Mismatches []Field

	// Adopted is set when the character ID was learned during this check
	Adopted bool

	// FetchErr is the fetch error that caused a strike
	FetchErr error

	// Observed is what the page showed, nil when the fetch failed
	Observed *Observed
}

// Normalize lowercases s, collapses runs of whitespace and trims it
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NamesMatch compares two character names ignoring case and spacing
func NamesMatch(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// GuildsMatch compares guild names; an empty side on either end always matches
func GuildsMatch(stored, current string) bool {
	s, c := Normalize(stored), Normalize(current)
	if s == "" || c == "" {
		return true
	}
	return s == c
}

// IDsMatch compares character IDs; an unknown side on either end always matches
func IDsMatch(stored, current string) bool {
	s, c := strings.TrimSpace(stored), strings.TrimSpace(current)
	if s == "" || c == "" {
		return true
	}
	return s == c
}

// Evaluate applies the strike policy to one binding given the outcome of fetching its character.
// observed must be non-nil when fetchErr is nil; a nil observed is treated as a failed fetch.
func Evaluate(b storage.Binding, observed *Observed, fetchErr error, now time.Time) Decision {
	b.LastCheckedAt = now

	if fetchErr != nil || observed == nil {
		b.FailedChecks++
		d := Decision{
			Outcome:  Unchanged,
			Binding:  b,
			FetchErr: fetchErr,
		}
		switch {
		case b.FailedChecks >= MaxFailedChecks:
			d.Outcome = RevokedForErrors
		case b.FailedChecks == WarnAtFailedChecks:
			d.Warn = true
		}
		return d
	}

	// A successful fetch always clears the strikes
	b.FailedChecks = 0

	var mismatches []Field
	if !NamesMatch(b.ClaimedName, observed.Name) {
		mismatches = append(mismatches, FieldName)
	}
	if !GuildsMatch(b.ClaimedGuildName, observed.Guild) {
		mismatches = append(mismatches, FieldGuild)
	}
	if !IDsMatch(b.CharacterID, observed.CharacterID) {
		mismatches = append(mismatches, FieldCharacterID)
	}

	o := *observed
	d := Decision{
		Outcome:  Confirmed,
		Observed: &o,
	}

	// Only ever fill an unknown ID; a differing known ID is a mismatch above
	if strings.TrimSpace(b.CharacterID) == "" && strings.TrimSpace(observed.CharacterID) != "" {
		b.CharacterID = strings.TrimSpace(observed.CharacterID)
		d.Adopted = true
	}

	if len(mismatches) > 0 {
		d.Outcome = RevokedForMismatch
		d.Mismatches = mismatches
	}
	d.Binding = b
	return d
}

// CheckClaim compares what a member typed in the verification form against the live page.
// Unlike the daily check, a blank guild only matches a page that shows no guild.
func CheckClaim(claimedName, claimedGuild string, observed Observed) []Field {
	var mismatches []Field
	if Normalize(observed.Name) == "" || !NamesMatch(claimedName, observed.Name) {
		mismatches = append(mismatches, FieldName)
	}
	if Normalize(claimedGuild) != Normalize(observed.Guild) {
		mismatches = append(mismatches, FieldGuild)
	}
	return mismatches
}
