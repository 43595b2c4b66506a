package api

import (
	"time"

	"github.com/djlord-it/pacer/internal/dedup"
	"github.com/djlord-it/pacer/internal/domain"
	"github.com/djlord-it/pacer/internal/pacing"
	"github.com/djlord-it/pacer/internal/scheduler"
)

type ProposeRequest struct {
	Destination string `json:"destination"`
	ThreadID    string `json:"thread_id"`
	Kind        string `json:"kind,omitempty"` // default "comment"
	Content     string `json:"content"`
	Priority    int    `json:"priority,omitempty"`   // 1..5, default 3
	NotBefore   string `json:"not_before,omitempty"` // RFC3339

	// Triggers deploy a sniper watch on the thread once the action is published.
	Triggers []string `json:"triggers,omitempty"`

	// Existing replies to vet against. Omit to fetch them from the forum.
	Existing []string `json:"existing,omitempty"`
}

type EvaluateRequest struct {
	Content  string   `json:"content"`
	Existing []string `json:"existing"`
}

type ActionResponse struct {
	ID          string   `json:"id"`
	Destination string   `json:"destination"`
	ThreadID    string   `json:"thread_id"`
	Kind        string   `json:"kind"`
	Content     string   `json:"content"`
	Priority    int      `json:"priority"`
	NotBefore   string   `json:"not_before"`
	Triggers    []string `json:"triggers,omitempty"`
	Attempts    int      `json:"attempts"`
	CreatedAt   string   `json:"created_at"`
}

type AngleResponse struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback,omitempty"`
}

type EvaluationResponse struct {
	IsDuplicate     bool            `json:"is_duplicate"`
	Score           float64         `json:"score"`
	MatchedText     string          `json:"matched_text,omitempty"`
	SuggestedAngles []AngleResponse `json:"suggested_angles,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
}

type VerdictResponse struct {
	Accepted   bool               `json:"accepted"`
	Reason     string             `json:"reason,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	Action     *ActionResponse    `json:"action,omitempty"`
	Evaluation EvaluationResponse `json:"evaluation"`
}

type RecordResponse struct {
	ActionID     string `json:"action_id"`
	Destination  string `json:"destination"`
	Kind         string `json:"kind"`
	ThreadID     string `json:"thread_id"`
	ExternalID   string `json:"external_id"`
	DispatchedAt string `json:"dispatched_at"`
}

type PacingResponse struct {
	Destination        string `json:"destination"`
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	NextEligible       string `json:"next_eligible"`
	LastDispatchAt     string `json:"last_dispatch_at,omitempty"`
	Consecutive        int    `json:"consecutive"`
	CooldownUntil      string `json:"cooldown_until,omitempty"`
	DispatchesInWindow int    `json:"dispatches_in_window"`
	InFlight           bool   `json:"in_flight"`
}

type WatchResponse struct {
	ID          string   `json:"id"`
	ThreadID    string   `json:"thread_id"`
	Destination string   `json:"destination"`
	ActionID    string   `json:"action_id"`
	Triggers    []string `json:"triggers"`
	State       string   `json:"state"`
	CreatedAt   string   `json:"created_at"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	TriggeredAt string   `json:"triggered_at,omitempty"`
}

type NotificationResponse struct {
	ID          string `json:"id"`
	WatchID     string `json:"watch_id"`
	ThreadID    string `json:"thread_id"`
	Destination string `json:"destination"`
	Trigger     string `json:"trigger"`
	ReplyAuthor string `json:"reply_author"`
	ReplyText   string `json:"reply_text"`
	DetectedAt  string `json:"detected_at"`
	Read        bool   `json:"read"`
}

type ListActionsResponse struct {
	Actions []ActionResponse `json:"actions"`
}

type ListRecordsResponse struct {
	Records []RecordResponse `json:"records"`
}

type ListWatchesResponse struct {
	Watches []WatchResponse `json:"watches"`
}

type ListNotificationsResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toActionResponse(a domain.PendingAction) ActionResponse {
	return ActionResponse{
		ID:          a.ID.String(),
		Destination: a.Destination,
		ThreadID:    a.ThreadID,
		Kind:        string(a.Kind),
		Content:     a.Content,
		Priority:    a.Priority,
		NotBefore:   formatTime(a.NotBefore),
		Triggers:    a.Triggers,
		Attempts:    a.Attempts,
		CreatedAt:   formatTime(a.CreatedAt),
	}
}

func toEvaluationResponse(ev dedup.Evaluation) EvaluationResponse {
	resp := EvaluationResponse{
		IsDuplicate: ev.IsDuplicate,
		Score:       ev.Score,
		MatchedText: ev.MatchedText,
		Warnings:    ev.Warnings,
	}
	for _, a := range ev.SuggestedAngles {
		resp.SuggestedAngles = append(resp.SuggestedAngles, AngleResponse{
			Name:       a.Name,
			Confidence: a.Confidence,
			Fallback:   a.Fallback,
		})
	}
	return resp
}

func toVerdictResponse(v scheduler.Verdict) VerdictResponse {
	resp := VerdictResponse{
		Accepted:   v.Accepted,
		Reason:     string(v.Reason),
		Detail:     v.Detail,
		Evaluation: toEvaluationResponse(v.Evaluation),
	}
	if v.Action != nil {
		a := toActionResponse(*v.Action)
		resp.Action = &a
	}
	return resp
}

func toRecordResponse(r domain.ActionRecord) RecordResponse {
	return RecordResponse{
		ActionID:     r.ActionID.String(),
		Destination:  r.Destination,
		Kind:         string(r.Kind),
		ThreadID:     r.ThreadID,
		ExternalID:   r.ExternalID,
		DispatchedAt: formatTime(r.DispatchedAt),
	}
}

func toPacingResponse(destination string, s pacing.Status) PacingResponse {
	return PacingResponse{
		Destination:        destination,
		Allowed:            s.Decision.Allowed,
		Reason:             s.Decision.Reason,
		NextEligible:       formatTime(s.Decision.NextEligible),
		LastDispatchAt:     formatOptional(s.State.LastDispatchAt),
		Consecutive:        s.State.Consecutive,
		CooldownUntil:      formatOptional(s.State.CooldownUntil),
		DispatchesInWindow: s.DispatchesInWindow,
		InFlight:           s.InFlight,
	}
}

func toWatchResponse(w domain.SniperWatch) WatchResponse {
	resp := WatchResponse{
		ID:          w.ID.String(),
		ThreadID:    w.ThreadID,
		Destination: w.Destination,
		ActionID:    w.ActionID.String(),
		Triggers:    w.Triggers,
		State:       string(w.State),
		CreatedAt:   formatTime(w.CreatedAt),
	}
	if w.ExpiresAt != nil {
		resp.ExpiresAt = formatTime(*w.ExpiresAt)
	}
	if w.TriggeredAt != nil {
		resp.TriggeredAt = formatTime(*w.TriggeredAt)
	}
	return resp
}

func toNotificationResponse(n domain.TriggerNotification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID.String(),
		WatchID:     n.WatchID.String(),
		ThreadID:    n.ThreadID,
		Destination: n.Destination,
		Trigger:     n.Trigger,
		ReplyAuthor: n.Reply.Author,
		ReplyText:   n.Reply.Text,
		DetectedAt:  formatTime(n.DetectedAt),
		Read:        n.Read,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}
