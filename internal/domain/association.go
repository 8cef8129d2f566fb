package domain

import (
	"fmt"
	"time"
)

// DefaultSharedWorker names the single worker of a consolidated deployment.
const DefaultSharedWorker = "default"

// PhoneAssociation binds a counterparty to a tenant on the shared worker.
type PhoneAssociation struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	Counterparty string    `json:"counterparty" gorm:"uniqueIndex;size:64"`
	TenantID     int64     `json:"tenant_id,string" gorm:"index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (PhoneAssociation) TableName() string {
	return "phone_associations"
}

// SharedBinding is the fallback "currently bound tenant" pointer of a shared
// worker. TenantID 0 means unbound.
type SharedBinding struct {
	Worker    string    `json:"worker" gorm:"primaryKey;size:64"`
	TenantID  int64     `json:"tenant_id,string"`
	Phone     string    `json:"phone" gorm:"size:64"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SharedBinding) TableName() string {
	return "shared_bindings"
}

func ThreadKey(tenantID int64, counterparty string) string {
	return fmt.Sprintf("%d_%s", tenantID, counterparty)
}
