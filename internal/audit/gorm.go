package audit

import (
	"context"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// GormSink stores records in a SQL table through gorm.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink creates the audit table if needed.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if db == nil {
		return nil, errors.New("audit: nil gorm db")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate audit table")
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(records, len(records)).Error; err != nil {
		return errors.Wrap(err, "insert audit records").With("count", len(records))
	}
	return nil
}
