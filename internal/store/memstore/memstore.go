// Package memstore is an in-process store.Store. Each conditional update runs
// under a single lock, which gives the same at-most-once guarantees as the
// database implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/victornm/baseera/internal/domain"
	"github.com/victornm/baseera/internal/store"
)

const (
	kindCouple = "couple"
	kindTeam   = "team"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.AssessmentSession
	couples  map[string]*domain.CoupleSession
	teams    map[string]*domain.TeamSession
	payments map[string]*domain.Payment
	codes    map[string]string // share code -> kind
	seq      map[string]int    // session id -> insertion order
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.AssessmentSession),
		couples:  make(map[string]*domain.CoupleSession),
		teams:    make(map[string]*domain.TeamSession),
		payments: make(map[string]*domain.Payment),
		codes:    make(map[string]string),
		seq:      make(map[string]int),
	}
}

func (s *Store) InsertSession(_ context.Context, ss *domain.AssessmentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[ss.ID]; ok {
		return store.ErrConflict
	}
	s.sessions[ss.ID] = cloneSession(ss)
	s.seq[ss.ID] = len(s.seq)
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.AssessmentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ss, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(ss), nil
}

func (s *Store) ListSessionsByParent(_ context.Context, parentID string) ([]domain.AssessmentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AssessmentSession
	for _, ss := range s.sessions {
		if ss.ParentSessionID == parentID {
			out = append(out, *cloneSession(ss))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

func (s *Store) ClaimSession(_ context.Context, id, userID string) (bool, error) {
	return s.updateSession(id, func(ss *domain.AssessmentSession) bool {
		if ss.UserID != "" {
			return false
		}
		ss.UserID = userID
		return true
	})
}

func (s *Store) CompleteSession(_ context.Context, id string, results map[domain.ToolID]domain.Result, at time.Time) (bool, error) {
	return s.updateSession(id, func(ss *domain.AssessmentSession) bool {
		if ss.Status != domain.SessionInProgress {
			return false
		}
		ss.Status = domain.SessionCompleted
		ss.Results = cloneResults(results)
		ss.CompletedAt = at
		return true
	})
}

func (s *Store) SetSessionPaymentStatus(_ context.Context, id string, status domain.PaymentStatus) (bool, error) {
	return s.updateSession(id, func(ss *domain.AssessmentSession) bool {
		if ss.PaymentStatus != domain.PaymentPending {
			return false
		}
		ss.PaymentStatus = status
		return true
	})
}

func (s *Store) updateSession(id string, apply func(*domain.AssessmentSession) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	return apply(ss), nil
}

func (s *Store) InsertCouple(_ context.Context, c *domain.CoupleSession, initiatorName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reserveCode(c.InitiatorSessionID, c.ShareCode); err != nil {
		return err
	}

	s.codes[c.ShareCode] = kindCouple
	cc := *c
	s.couples[c.ID] = &cc
	s.stampSession(c.InitiatorSessionID, c.ShareCode, domain.RoleInitiator, initiatorName)
	return nil
}

// reserveCode checks, under the write lock, that the session can take code.
func (s *Store) reserveCode(sessionID, code string) error {
	ss, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if ss.ShareCode != "" {
		return store.ErrShareCodeSet
	}
	if _, taken := s.codes[code]; taken {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) stampSession(id, code string, role domain.ParticipantRole, name string) {
	ss := s.sessions[id]
	ss.ShareCode = code
	ss.ParticipantRole = role
	ss.ParticipantName = name
}

func (s *Store) GetCoupleByCode(_ context.Context, code string) (*domain.CoupleSession, error) {
	return s.findCouple(func(c *domain.CoupleSession) bool { return c.ShareCode == code })
}

func (s *Store) GetCoupleBySession(_ context.Context, sessionID string) (*domain.CoupleSession, error) {
	return s.findCouple(func(c *domain.CoupleSession) bool {
		return c.InitiatorSessionID == sessionID || (c.PartnerSessionID != "" && c.PartnerSessionID == sessionID)
	})
}

func (s *Store) findCouple(match func(*domain.CoupleSession) bool) (*domain.CoupleSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.couples {
		if match(c) {
			cc := *c
			return &cc, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetCouplePartner(_ context.Context, id, partnerSessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.couples[id]
	if !ok || c.PartnerSessionID != "" {
		return false, nil
	}
	c.PartnerSessionID = partnerSessionID
	return true, nil
}

func (s *Store) UpdateCoupleStatus(_ context.Context, id string, from, to domain.CoupleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.couples[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (s *Store) InsertTeam(_ context.Context, t *domain.TeamSession, leaderName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reserveCode(t.LeaderSessionID, t.ShareCode); err != nil {
		return err
	}

	s.codes[t.ShareCode] = kindTeam
	tt := *t
	s.teams[t.ID] = &tt
	s.stampSession(t.LeaderSessionID, t.ShareCode, domain.RoleLeader, leaderName)
	return nil
}

func (s *Store) GetTeamByCode(_ context.Context, code string) (*domain.TeamSession, error) {
	return s.findTeam(func(t *domain.TeamSession) bool { return t.ShareCode == code })
}

func (s *Store) GetTeamByLeader(_ context.Context, leaderSessionID string) (*domain.TeamSession, error) {
	return s.findTeam(func(t *domain.TeamSession) bool { return t.LeaderSessionID == leaderSessionID })
}

func (s *Store) findTeam(match func(*domain.TeamSession) bool) (*domain.TeamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.teams {
		if match(t) {
			tt := *t
			return &tt, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateTeamStatus(_ context.Context, id string, from, to domain.TeamStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *Store) InsertPayment(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.payments {
		if other.ProviderReferenceID == p.ProviderReferenceID {
			return store.ErrConflict
		}
	}

	pp := *p
	s.payments[p.ID] = &pp
	return nil
}

func (s *Store) GetPaymentByReference(_ context.Context, ref string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.ProviderReferenceID == ref {
			pp := *p
			return &pp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetPendingPayment(_ context.Context, sessionID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Payment
	for _, p := range s.payments {
		if p.SessionID != sessionID || p.Status != domain.PaymentRecordPending {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}

	if latest == nil {
		return nil, store.ErrNotFound
	}
	pp := *latest
	return &pp, nil
}

func (s *Store) ConfirmPayment(_ context.Context, paymentID string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok || p.Status != domain.PaymentRecordPending {
		return false, nil
	}
	p.Status = domain.PaymentRecordPaid
	p.PaidAt = paidAt

	if ss, ok := s.sessions[p.SessionID]; ok && ss.PaymentStatus == domain.PaymentPending {
		ss.PaymentStatus = domain.PaymentPaid
	}
	return true, nil
}

func cloneSession(ss *domain.AssessmentSession) *domain.AssessmentSession {
	c := *ss
	c.Results = cloneResults(ss.Results)
	return &c
}

func cloneResults(rs map[domain.ToolID]domain.Result) map[domain.ToolID]domain.Result {
	if rs == nil {
		return nil
	}
	out := make(map[domain.ToolID]domain.Result, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}
