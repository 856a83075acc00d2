package migrations

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// FS carries the migration sources so goose can resolve registered Go
// migrations without a migrations directory on disk.
//
//go:embed *.go
var FS embed.FS

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Session struct {
	ID                    string     `gorm:"type:text;primaryKey"`
	OwnerID               string     `gorm:"type:text;not null;index"`
	Title                 string     `gorm:"type:text;not null"`
	Status                string     `gorm:"type:text;not null;default:'draft'"`
	StartTime             *time.Time `gorm:"type:timestamptz"`
	EndTime               *time.Time `gorm:"type:timestamptz"`
	AllowAnonymous        bool       `gorm:"type:boolean;not null;default:false"`
	InviteEnabled         bool       `gorm:"type:boolean;not null;default:true"`
	InviteExpiresAt       *time.Time `gorm:"type:timestamptz"`
	InviteMaxUses         *int       `gorm:"type:integer;check:chk_sessions_invite_max_uses,invite_max_uses IS NULL OR invite_max_uses > 0"`
	InviteCurrentUses     int        `gorm:"type:integer;not null;default:0"`
	InviteAllowAnonymous  bool       `gorm:"type:boolean;not null;default:false"`
	InviteRequireApproval bool       `gorm:"type:boolean;not null;default:false"`
	CreatedAt             time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type SessionEvaluator struct {
	ID        int64     `gorm:"type:bigserial;primaryKey"`
	SessionID string    `gorm:"type:text;not null;uniqueIndex:idx_session_evaluators_session_user"`
	UserID    string    `gorm:"type:text;not null;uniqueIndex:idx_session_evaluators_session_user"`
	JoinedAt  time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type ParticipantRequest struct {
	ID            string     `gorm:"type:text;primaryKey"`
	SessionID     string     `gorm:"type:text;not null;uniqueIndex:idx_participant_requests_session_user"`
	UserID        string     `gorm:"type:text;not null;uniqueIndex:idx_participant_requests_session_user"`
	Status        string     `gorm:"type:text;not null;default:'pending';index"`
	RequestedAt   time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	ReviewerID    *string    `gorm:"type:text"`
	ReviewedAt    *time.Time `gorm:"type:timestamptz"`
	ReviewComment *string    `gorm:"type:text"`
	TokenFragment string     `gorm:"type:text;not null;default:''"`
	Message       *string    `gorm:"type:text"`
}

type InviteUsage struct {
	ID            int64          `gorm:"type:bigserial;primaryKey"`
	SessionID     *string        `gorm:"type:text;index"`
	TokenFragment string         `gorm:"type:text;not null"`
	UserID        *string        `gorm:"type:text"`
	At            time.Time      `gorm:"type:timestamptz;not null;default:now();index"`
	Success       bool           `gorm:"type:boolean;not null"`
	ClientAddress string         `gorm:"type:text;not null;default:''"`
	UserAgent     string         `gorm:"type:text;not null;default:''"`
	Reason        *string        `gorm:"type:text"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
}

func (InviteUsage) TableName() string { return "invite_usage" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Session{},
		&SessionEvaluator{},
		&ParticipantRequest{},
		&InviteUsage{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&InviteUsage{},
		&ParticipantRequest{},
		&SessionEvaluator{},
		&Session{},
	)
}
