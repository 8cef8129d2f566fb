package domain

var Tables = []interface{}{
	// System
	&SysOpr{},
	&SysOprLog{},
	// Tenants
	&Tenant{},
	&ConversationThread{},
	&PauseRecord{},
	&MessageRecord{},
	&LegacyMessage{},
	// Consolidated
	&PhoneAssociation{},
	&SharedBinding{},
}
