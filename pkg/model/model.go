// Package model holds the core data-model entities shared by the
// conversation store, flow runtime, queue engine, and real-time bus —
// see spec.md §3.
package model

import "time"

type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusAttending ConversationStatus = "attending"
	StatusArchived  ConversationStatus = "archived"
	StatusClosed    ConversationStatus = "closed"
)

// BotAssignee is the sentinel value of Conversation.AssignedTo meaning
// "owned by the flow runtime, not a human advisor."
const BotAssignee = "bot"

type Conversation struct {
	ID                  string
	Channel             string
	ChannelConnectionID string
	RemotePhone         string
	DisplayNumber       string
	ContactName         string
	Status              ConversationStatus
	AssignedTo          string // advisor id, BotAssignee, or "" when unassigned
	AssignedAt          *time.Time
	QueuedAt            *time.Time
	QueueID             string
	BotFlowID           string
	BotStartedAt        *time.Time
	TicketNumber        int64
	AttendedBy          []string
	ActiveAdvisors      []string
	TransferredFrom     string
	TransferredAt       *time.Time
	Unread              int
	LastMessagePreview  string
	LastMessageAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsBotOwned reports whether assigned_to is "bot". It does not check
// bot_flow_id or bot_started_at; ReconciliationViolation checks the
// full spec.md §3 invariant.
func (c *Conversation) IsBotOwned() bool {
	return c.AssignedTo == BotAssignee
}

// ReconciliationViolation reports whether c breaks the bot-ownership
// invariant — used by the scheduler's invariant-check pass (spec.md §8).
func (c *Conversation) ReconciliationViolation() bool {
	botFlagged := c.BotFlowID != "" && c.BotStartedAt != nil
	return c.IsBotOwned() != botFlagged
}

type MessageDirection string
type MessageType string
type MessageStatus string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"

	MessageText     MessageType = "text"
	MessageButtons  MessageType = "buttons"
	MessageMedia    MessageType = "media"
	MessageTemplate MessageType = "template"
	MessageSystem   MessageType = "system"
	MessageEvent    MessageType = "event"

	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// statusOrder defines the monotone forward sequence pending→sent→
// delivered→read; failed is terminal and reachable from any state.
var statusOrder = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// ValidStatusTransition enforces spec.md §8: the status sequence is a
// prefix of pending,sent,delivered,read possibly followed by failed
// instead of the next forward step.
func ValidStatusTransition(from, to MessageStatus) bool {
	if from == MessageFailed {
		return false // failed is terminal
	}
	if to == MessageFailed {
		return true
	}
	fromN, fromOK := statusOrder[from]
	toN, toOK := statusOrder[to]
	if !fromOK || !toOK {
		return false
	}
	return toN == fromN+1
}

type Message struct {
	ID              string
	ConversationID  string
	Direction       MessageDirection
	Type            MessageType
	Text            string
	MediaURL        string
	MediaThumb      string
	RepliedToID     string
	Status          MessageStatus
	Timestamp       time.Time
	EventType       string
	SentBy          string
	ProviderMsgID   string // provider_message_id, used for inbound dedup
	ProviderMeta    map[string]string
}

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
)

type Attachment struct {
	ID        string
	MessageID string
	Type      AttachmentType
	URL       string
	Thumbnail string
	Filename  string
	Mimetype  string
	Size      int64
	CreatedAt time.Time
}

type AdvisorRole string

const (
	RoleAdmin      AdvisorRole = "admin"
	RoleSupervisor AdvisorRole = "supervisor"
	RoleAdvisor    AdvisorRole = "advisor"
)

type Advisor struct {
	ID                string
	Username          string
	DisplayName       string
	Role              AdvisorRole
	PasswordHash      string
	StatusID          string
	IsManuallyOffline bool
	Theme             string
	// LastAssignmentAt is the wall-clock time this advisor last received
	// a chat, used by queue.leastBusy to break active-count ties in
	// favor of whoever has gone longest without a new assignment.
	LastAssignmentAt time.Time
}

type StatusAction string

const (
	ActionAccept   StatusAction = "accept"
	ActionRedirect StatusAction = "redirect"
	ActionPause    StatusAction = "pause"
)

type AdvisorStatus struct {
	ID            string
	Name          string
	Color         string
	Action        StatusAction
	RedirectQueue string
	IsDefault     bool
}

type AdvisorSession struct {
	ID             string
	AdvisorID      string
	ConversationID string
	StartTime      time.Time
	EndTime        *time.Time
}

// Online reports whether this session window is still open.
func (s AdvisorSession) Online() bool { return s.EndTime == nil }

type DistributionMode string

const (
	DistRoundRobin DistributionMode = "round_robin"
	DistLeastBusy  DistributionMode = "least_busy"
	DistManual     DistributionMode = "manual"
)

type Queue struct {
	ID               string
	Name             string
	DistributionMode DistributionMode
	MaxConcurrent    int
	AssignedAdvisors []string
	Supervisors      []string
	Status           string
	SlackWebhookURL  string // EXPANSION: escalation sink for timeout buckets
	RRCursor         int    // persisted round-robin cursor
	// Schedule is the queue's business-hours window, keyed the same way
	// as a scheduler node's config ({"utc_offset_minutes": ..., "schedule":
	// {"mon": "09:00-18:00", ...}}) — read by C6's check_business_hours
	// tool, which has no node config of its own to draw from.
	Schedule map[string]interface{}
}

type ChannelConnection struct {
	ID                 string
	Alias              string
	ProviderPhoneID    string
	DisplayNumber      string
	AccessTokenEnc     []byte
	VerifyTokenEnc     []byte
	IsActive           bool
	DefaultQueueID     string
	DefaultFlowID      string
	BotTimeoutMinutes  int
	FallbackQueueID    string
}
