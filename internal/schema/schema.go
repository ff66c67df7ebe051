package schema

import (
	documentdomain "mailscan-backend/internal/document/domain"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	scandomain "mailscan-backend/internal/scan/domain"

	"gorm.io/gorm"
)

// Models lists every persisted type.
func Models() []interface{} {
	return []interface{}{
		&mailboxdomain.Mailbox{},
		&mailboxdomain.SyncCursor{},
		&mailboxdomain.Credential{},
		&mailboxdomain.DeviceToken{},
		&scandomain.ScanJob{},
		&scandomain.WorkChunk{},
		&documentdomain.CandidateDocument{},
		&documentdomain.ExtractedDocument{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
