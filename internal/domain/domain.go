package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ToolID identifies an assessment tool.
type ToolID string

const (
	ToolMBTI           ToolID = "mbti"
	ToolHolland        ToolID = "holland"
	ToolBigFive        ToolID = "big_five"
	ToolWorkValues     ToolID = "work_values"
	ToolAttachment     ToolID = "attachment"
	ToolLoveLanguages  ToolID = "love_languages"
	ToolStrengths      ToolID = "strengths"
	ToolEQ             ToolID = "eq"
	ToolConflictStyles ToolID = "conflict_styles"
)

// Question is a single catalog item. Questions are loaded once and never mutated.
type Question struct {
	ID            string `json:"id"`
	ToolID        ToolID `json:"tool_id"`
	Dimension     string `json:"dimension"`
	ReverseScored bool   `json:"reverse_scored"`
}

// Answer is one Likert response, Value is expected in [-2, 2].
type Answer struct {
	QuestionID     string `json:"question_id"`
	Value          int    `json:"value"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Timestamp      int64  `json:"timestamp"`
}

const (
	MinAnswerValue = -2
	MaxAnswerValue = 2
)

// Level is the band of an EQ dimension score.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

type DimensionScore struct {
	Dimension string `json:"dimension"`
	Score     int    `json:"score"`
}

// Result is the scored outcome of one tool.
type Result struct {
	ToolID ToolID         `json:"tool_id"`
	Scores map[string]int `json:"scores"`
	Label  string         `json:"label,omitempty"`

	// Ranking lists every dimension by descending score for ranked tools.
	Ranking []DimensionScore `json:"ranking,omitempty"`
	// Top holds the dimensions a report leads with (top 3 values, top 5 strengths...).
	Top []string `json:"top,omitempty"`

	// EQ only.
	Total  int              `json:"total,omitempty"`
	Levels map[string]Level `json:"levels,omitempty"`
}

type ParticipantRole string

const (
	RoleSolo      ParticipantRole = "solo"
	RoleInitiator ParticipantRole = "initiator"
	RolePartner   ParticipantRole = "partner"
	RoleLeader    ParticipantRole = "leader"
	RoleMember    ParticipantRole = "member"
)

// IsCouple reports whether the role belongs to a couple flow.
func (r ParticipantRole) IsCouple() bool {
	return r == RoleInitiator || r == RolePartner
}

// IsTeam reports whether the role belongs to a team flow.
func (r ParticipantRole) IsTeam() bool {
	return r == RoleLeader || r == RoleMember
}

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentPaid       PaymentStatus = "paid"
	PaymentUnpaidDemo PaymentStatus = "unpaid_demo"
)

// Unlocked reports whether the report behind the session may be rendered.
func (s PaymentStatus) Unlocked() bool {
	return s == PaymentPaid || s == PaymentUnpaidDemo
}

// AssessmentSession is one participant's attempt.
type AssessmentSession struct {
	ID              string
	UserID          string // empty until claimed
	UseCase         UseCaseID
	ParticipantRole ParticipantRole
	ParticipantName string
	Status          SessionStatus
	PaymentStatus   PaymentStatus
	ShareCode       string
	ParentSessionID string // leader session id for team members
	Results         map[ToolID]Result
	CreatedAt       time.Time
	CompletedAt     time.Time
}

func (s *AssessmentSession) Completed() bool {
	return s.Status == SessionCompleted
}

type CoupleStatus string

const (
	CoupleWaitingPartner CoupleStatus = "waiting_partner"
	CoupleWaitingPayment CoupleStatus = "waiting_payment"
	CoupleCompleted      CoupleStatus = "completed"
)

// CoupleSession links an initiator with at most one partner.
type CoupleSession struct {
	ID                 string
	ShareCode          string
	InitiatorSessionID string
	PartnerSessionID   string // set at most once
	Status             CoupleStatus
	ExpiresAt          time.Time
	CreatedAt          time.Time
}

// Expired reports whether the invitation can no longer be used at t.
func (c *CoupleSession) Expired(t time.Time) bool {
	return !c.ExpiresAt.IsZero() && t.After(c.ExpiresAt)
}

// OtherSessionID returns the session id of the counterpart of sessionID.
func (c *CoupleSession) OtherSessionID(sessionID string) string {
	if sessionID == c.InitiatorSessionID {
		return c.PartnerSessionID
	}
	return c.InitiatorSessionID
}

type TeamStatus string

const (
	TeamCollecting TeamStatus = "collecting"
	TeamCompleted  TeamStatus = "completed"
)

// TeamSession is owned by a leader session. Members are not stored here, they
// are the sessions whose ParentSessionID equals LeaderSessionID.
type TeamSession struct {
	ID              string
	ShareCode       string
	LeaderSessionID string
	TeamName        string
	Status          TeamStatus
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

func (t *TeamSession) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

type PaymentRecordStatus string

const (
	PaymentRecordPending PaymentRecordStatus = "pending"
	PaymentRecordPaid    PaymentRecordStatus = "paid"
)

// Payment is a checkout attempt for a session.
type Payment struct {
	ID                  string
	SessionID           string
	Amount              decimal.Decimal
	Currency            string
	Status              PaymentRecordStatus
	ProviderReferenceID string
	CreatedAt           time.Time
	PaidAt              time.Time
}
