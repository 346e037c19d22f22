// Package threading maps an incoming message to an existing conversation.
package threading

import (
	"context"
	"fmt"
	"time"

	"github.com/gojolo/inbox/internal/models"
)

const (
	// SubjectWindow bounds how far back the subject fallback looks.
	SubjectWindow = 30 * 24 * time.Hour
	// SubjectCandidates caps how many recent threads the fallback compares.
	SubjectCandidates = 50
)

// Lookup is the read surface the resolver needs from the thread store.
// Lookups return "" with a nil error when nothing matches.
type Lookup interface {
	ThreadIDByExternalID(ctx context.Context, accountID, externalID string) (string, error)
	ThreadIDReferencing(ctx context.Context, accountID, externalID string) (string, error)
	RecentEmailThreads(ctx context.Context, orgID string, since time.Time, limit int) ([]models.Thread, error)
}

// Candidate carries the identifying headers of a message being threaded. All
// ids are already normalized.
type Candidate struct {
	OrgID      string
	AccountID  string
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
}

// Match says which tier produced a thread.
type Match string

const (
	MatchNone    Match = ""
	MatchHeader  Match = "header"
	MatchReverse Match = "reverse"
	MatchSubject Match = "subject"
)

type Resolver struct {
	lookup Lookup
	now    func() time.Time
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup, now: time.Now}
}

// WithClock replaces the resolver's time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the id of the thread c belongs to, or "" when a new thread
// should be created.
func (r *Resolver) Resolve(ctx context.Context, c Candidate) (string, Match, error) {
	for _, ref := range headerChain(c) {
		threadID, err := r.lookup.ThreadIDByExternalID(ctx, c.AccountID, ref)
		if err != nil {
			return "", MatchNone, fmt.Errorf("failed to resolve by header: %w", err)
		}
		if threadID != "" {
			return threadID, MatchHeader, nil
		}
	}

	if c.MessageID != "" {
		threadID, err := r.lookup.ThreadIDReferencing(ctx, c.AccountID, c.MessageID)
		if err != nil {
			return "", MatchNone, fmt.Errorf("failed to resolve by reverse reference: %w", err)
		}
		if threadID != "" {
			return threadID, MatchReverse, nil
		}
	}

	subject := NormalizeSubject(c.Subject)
	if subject == "" {
		return "", MatchNone, nil
	}

	threads, err := r.lookup.RecentEmailThreads(ctx, c.OrgID, r.now().Add(-SubjectWindow), SubjectCandidates)
	if err != nil {
		return "", MatchNone, fmt.Errorf("failed to resolve by subject: %w", err)
	}
	for _, t := range threads {
		if NormalizeSubject(t.Subject) == subject {
			return t.ID, MatchSubject, nil
		}
	}

	return "", MatchNone, nil
}

// headerChain is In-Reply-To followed by References, without repeats.
func headerChain(c Candidate) []string {
	chain := make([]string, 0, len(c.References)+1)
	seen := make(map[string]bool, len(c.References)+1)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		chain = append(chain, id)
	}

	add(c.InReplyTo)
	for _, ref := range c.References {
		add(ref)
	}
	return chain
}
