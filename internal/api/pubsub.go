package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/baseera/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	CoupleReadyData struct {
		ShareCode string `json:"share_code"`
		Status    string `json:"status"`
	}

	TeamProgressData struct {
		ShareCode          string `json:"share_code"`
		TeamName           string `json:"team_name"`
		MemberName         string `json:"member_name"`
		Members            int    `json:"members"`
		CompletedMembers   int    `json:"completed_members"`
		IsReadyForAnalysis bool   `json:"is_ready_for_analysis"`
	}

	PaymentConfirmedData struct {
		SessionID string `json:"session_id"`
		Amount    string `json:"amount"`
		Currency  string `json:"currency"`
	}
)

// PublishCoupleReady tells both parties the report can be paid for.
func (a *API) PublishCoupleReady(ctx context.Context, e domain.EventCoupleReady) error {
	c := e.Couple
	data := CoupleReadyData{ShareCode: c.ShareCode, Status: string(c.Status)}

	return a.fanOut(ctx, e.Name(), data, c.InitiatorSessionID, c.PartnerSessionID)
}

// PublishTeamProgress tells the leader a member completed.
func (a *API) PublishTeamProgress(ctx context.Context, e domain.EventTeamProgress) error {
	r := e.Readiness
	data := TeamProgressData{
		ShareCode:          e.Team.ShareCode,
		TeamName:           e.Team.TeamName,
		MemberName:         e.Member.ParticipantName,
		Members:            len(r.Members),
		CompletedMembers:   r.CompletedMembers,
		IsReadyForAnalysis: r.IsReadyForAnalysis,
	}

	return a.fanOut(ctx, e.Name(), data, e.Team.LeaderSessionID)
}

// PublishPaymentConfirmed tells the paying session and the sessions sharing
// its report that the report is unlocked.
func (a *API) PublishPaymentConfirmed(ctx context.Context, e domain.EventPaymentConfirmed) error {
	data := PaymentConfirmedData{
		SessionID: e.Payment.SessionID,
		Amount:    e.Payment.Amount.StringFixed(2),
		Currency:  e.Payment.Currency,
	}

	return a.fanOut(ctx, e.Name(), data, append([]string{e.Payment.SessionID}, e.LinkedSessionIDs...)...)
}

func (a *API) fanOut(ctx context.Context, event string, data any, sessionIDs ...string) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, id := range sessionIDs {
		if id == "" {
			continue
		}
		eg.Go(func() error {
			return a.publishNotification(ctx, id, event, data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, sessionID, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, NotificationChannel(a.prefix, sessionID), b).Err()
}

// NotificationChannel is the Redis channel a session's client subscribes to.
func NotificationChannel(prefix, sessionID string) string {
	return fmt.Sprintf("%s:session:%s", prefix, sessionID)
}
