package domain

import "time"

// PauseAllSentinel is the counterparty value of a tenant wide pause record.
const PauseAllSentinel = "ALL"

const (
	PauseScopeSingle = "single"
	PauseScopeGlobal = "global"

	PausedByClient = "client"
	PausedByGlobal = "global"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	SourceCustomer  = "customer"
	SourceAssistant = "assistant"
	SourceCommand   = "command"
	SourceFallback  = "fallback"
)

// ConversationThread maps a (tenant, counterparty) pair to the assistant side thread.
type ConversationThread struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	TenantID     int64     `json:"tenant_id,string" gorm:"uniqueIndex:idx_thread_key"`
	Counterparty string    `json:"counterparty" gorm:"uniqueIndex:idx_thread_key;size:64"`
	ThreadID     string    `json:"thread_id" gorm:"size:128"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used" gorm:"index"`
}

func (ConversationThread) TableName() string {
	return "client_threads"
}

// ThreadKey is the legacy composite key used by older deployments.
func (t ConversationThread) ThreadKey() string {
	return ThreadKey(t.TenantID, t.Counterparty)
}

// PauseRecord mutes the bot for one counterparty or, with the ALL sentinel, for
// every conversation of the tenant.
type PauseRecord struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	TenantID     int64     `json:"tenant_id,string" gorm:"uniqueIndex:idx_pause_key"`
	Counterparty string    `json:"counterparty" gorm:"uniqueIndex:idx_pause_key;size:64"`
	Scope        string    `json:"scope" gorm:"size:16"`
	PausedBy     string    `json:"paused_by" gorm:"size:16"`
	PausedAt     time.Time `json:"paused_at"`
}

func (PauseRecord) TableName() string {
	return "paused_conversations"
}

func (p PauseRecord) IsGlobal() bool {
	return p.Counterparty == PauseAllSentinel
}

// MessageRecord is one line of a tenant transcript. Rows are append only.
type MessageRecord struct {
	ID           int64     `json:"id,string" gorm:"primaryKey" csv:"id"`
	TenantID     int64     `json:"tenant_id,string" gorm:"index" csv:"tenant_id"`
	Counterparty string    `json:"counterparty" gorm:"index;size:64" csv:"counterparty"`
	Direction    string    `json:"direction" gorm:"size:16" csv:"direction"`
	Source       string    `json:"source" gorm:"size:16" csv:"source"`
	Text         string    `json:"text" csv:"text"`
	MessageID    string    `json:"message_id" gorm:"size:128" csv:"message_id"`
	Timestamp    time.Time `json:"timestamp" csv:"timestamp"`
	CreatedAt    time.Time `json:"created_at" gorm:"index" csv:"created_at"`
}

func (MessageRecord) TableName() string {
	return "client_messages"
}

// LegacyMessage is the pre multi tenant transcript format. It is only read
// and swept.
type LegacyMessage struct {
	ID          int64     `json:"id,string" gorm:"primaryKey"`
	PhoneNumber string    `json:"phone_number" gorm:"size:64"`
	Message     string    `json:"message"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
}

func (LegacyMessage) TableName() string {
	return "whatsapp_messages"
}
