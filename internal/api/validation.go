package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/scheduler"
)

// proposal checks the request shape and converts it. Field-level rules
// (required fields, priority range) are enforced again by the scheduler.
func (r ProposeRequest) proposal() (scheduler.Proposal, error) {
	if strings.TrimSpace(r.Destination) == "" {
		return scheduler.Proposal{}, fmt.Errorf("destination is required")
	}
	if strings.TrimSpace(r.ThreadID) == "" {
		return scheduler.Proposal{}, fmt.Errorf("thread_id is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return scheduler.Proposal{}, fmt.Errorf("content is required")
	}

	kind := domain.ActionKind(r.Kind)
	if kind != "" && !kind.Valid() {
		return scheduler.Proposal{}, fmt.Errorf("kind must be 'post' or 'comment'")
	}
	if r.Priority != 0 && (r.Priority < domain.MinPriority || r.Priority > domain.MaxPriority) {
		return scheduler.Proposal{}, fmt.Errorf("priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
	}

	var notBefore time.Time
	if r.NotBefore != "" {
		t, err := time.Parse(time.RFC3339, r.NotBefore)
		if err != nil {
			return scheduler.Proposal{}, fmt.Errorf("invalid not_before: %w", err)
		}
		notBefore = t.UTC()
	}

	for _, trig := range r.Triggers {
		if strings.TrimSpace(trig) == "" {
			return scheduler.Proposal{}, fmt.Errorf("triggers must not contain empty phrases")
		}
	}

	return scheduler.Proposal{
		Destination: r.Destination,
		ThreadID:    r.ThreadID,
		Kind:        kind,
		Content:     r.Content,
		Priority:    r.Priority,
		NotBefore:   notBefore,
		Triggers:    r.Triggers,
		Existing:    r.Existing,
	}, nil
}
