package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	logx "remindbot/pkg/logx"
)

// reminderModel is the gorm mapping of the reminders table.
type reminderModel struct {
	ID            string    `gorm:"type:varchar(64);primaryKey"`
	UserID        int64     `gorm:"index;not null"`
	Kind          string    `gorm:"type:varchar(20);not null"`
	Message       string    `gorm:"type:text;not null;default:''"`
	TriggerAt     time.Time `gorm:"index:idx_reminders_trigger,priority:1;not null"`
	CreatedAt     time.Time `gorm:"not null"`
	Stage         string    `gorm:"type:varchar(10);not null;default:'none'"`
	LastFiredDate string    `gorm:"type:varchar(10);not null;default:''"`
	Zone          string    `gorm:"type:varchar(64);not null;default:''"`
}

func (reminderModel) TableName() string { return "reminders" }

func toModel(r Reminder) reminderModel {
	return reminderModel{
		ID: r.ID, UserID: r.UserID, Kind: string(r.Kind), Message: r.Message,
		TriggerAt: r.TriggerAt, CreatedAt: r.CreatedAt, Stage: string(r.Stage),
		LastFiredDate: r.LastFiredDate, Zone: r.Zone,
	}
}

func (m reminderModel) reminder() Reminder {
	return Reminder{
		ID: m.ID, UserID: m.UserID, Kind: Kind(m.Kind), Message: m.Message,
		TriggerAt: m.TriggerAt.UTC(), CreatedAt: m.CreatedAt.UTC(), Stage: Stage(m.Stage),
		LastFiredDate: m.LastFiredDate, Zone: m.Zone,
	}
}

type postgresStore struct {
	db  *gorm.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, unavailable("open", err)
	}
	if err := db.AutoMigrate(&reminderModel{}); err != nil {
		return nil, unavailable("migrate", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_reminders_digest_user
		ON reminders(user_id) WHERE kind = 'daily_digest'`).Error; err != nil {
		return nil, unavailable("migrate", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxIdleTime(time.Minute)
	}
	log.Info("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *postgresStore) Create(ctx context.Context, r *Reminder) error {
	if err := normalize(r); err != nil {
		return err
	}
	m := toModel(*r)
	err := s.db.WithContext(ctx).Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && r.Kind == KindDailyDigest {
		return ErrDuplicateDigest
	}
	return unavailable("create", err)
}

func (s *postgresStore) Get(ctx context.Context, id string) (Reminder, error) {
	var m reminderModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, unavailable("get", err)
	}
	return m.reminder(), nil
}

func (s *postgresStore) UpdateStage(ctx context.Context, id string, stage Stage) error {
	res := s.db.WithContext(ctx).Model(&reminderModel{}).Where("id = ?", id).
		Update("stage", gorm.Expr(
			`CASE WHEN ? > (CASE stage WHEN 'fired' THEN 2 WHEN 'warned' THEN 1 ELSE 0 END) THEN ? ELSE stage END`,
			stage.rank(), string(stage)))
	return gormAffected("update stage", res)
}

func (s *postgresStore) UpdateTrigger(ctx context.Context, id string, at time.Time, zone, lastFiredDate string) error {
	res := s.db.WithContext(ctx).Model(&reminderModel{}).Where("id = ?", id).Updates(map[string]any{
		"trigger_at":      at.UTC().Truncate(time.Millisecond),
		"zone":            zone,
		"last_fired_date": lastFiredDate,
	})
	return gormAffected("update trigger", res)
}

func (s *postgresStore) Delete(ctx context.Context, id string) error {
	return unavailable("delete", s.db.WithContext(ctx).Where("id = ?", id).Delete(&reminderModel{}).Error)
}

func (s *postgresStore) DueBefore(ctx context.Context, t time.Time) ([]Reminder, error) {
	return s.find(ctx, "due before", s.db.Where("trigger_at < ?", t.UTC()))
}

func (s *postgresStore) ListPending(ctx context.Context) ([]Reminder, error) {
	return s.find(ctx, "list", s.db)
}

func (s *postgresStore) ByUser(ctx context.Context, userID int64) ([]Reminder, error) {
	return s.find(ctx, "by user", s.db.Where("user_id = ?", userID))
}

func (s *postgresStore) DailyDigestUsers(ctx context.Context) ([]DigestUser, error) {
	rows, err := s.find(ctx, "digest users", s.db.Where("kind = ?", string(KindDailyDigest)))
	if err != nil {
		return nil, err
	}
	out := make([]DigestUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, DigestUser{UserID: r.UserID, Zone: r.Zone})
	}
	return out, nil
}

func (s *postgresStore) DeleteAllForUser(ctx context.Context, userID int64) (int, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&reminderModel{})
	if res.Error != nil {
		return 0, unavailable("delete user", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *postgresStore) find(ctx context.Context, op string, q *gorm.DB) ([]Reminder, error) {
	var ms []reminderModel
	err := q.WithContext(ctx).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: "trigger_at"}}, {Column: clause.Column{Name: "id"}}}}).
		Find(&ms).Error
	if err != nil {
		return nil, unavailable(op, err)
	}
	out := make([]Reminder, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.reminder())
	}
	return out, nil
}

func gormAffected(op string, res *gorm.DB) error {
	if res.Error != nil {
		return unavailable(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
