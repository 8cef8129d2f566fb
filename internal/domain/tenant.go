package domain

import "time"

const (
	TenantStatusPending  = "pending"
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

// Tenant is a business customer with its own assistant and messaging worker.
type Tenant struct {
	ID             int64      `json:"id,string" gorm:"primaryKey"`
	Name           string     `json:"name"`
	Email          string     `json:"email" gorm:"index"`
	OpenAIKey      string     `json:"-" gorm:"column:openai_api_key"`
	AssistantID    string     `json:"assistant_id"`
	WhatsAppPort   int        `json:"whatsapp_port" gorm:"column:whatsapp_port;index"`
	Status         string     `json:"status" gorm:"index;size:16"`
	ConnectedPhone string     `json:"connected_phone" gorm:"size:64"`
	UniqueURL      string     `json:"unique_url" gorm:"uniqueIndex;size:32"`
	EmailSent      bool       `json:"email_sent"`
	EmailSentAt    *time.Time `json:"email_sent_at"`
	LastActivity   *time.Time `json:"last_activity"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "clients"
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// IsOwner reports whether counterparty is the identity paired to the tenant's
// worker. An unpaired tenant has no owner.
func (t *Tenant) IsOwner(counterparty string) bool {
	return t.ConnectedPhone != "" && t.ConnectedPhone == counterparty
}
