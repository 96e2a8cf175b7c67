package logstore

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// logRow and uuidRow mirror the original scribe's two-table schema
// (logs(msgid,parent,sender,nick,text) and uuid(user,uuid)) exactly, since
// peers exchanging log-request/log replies expect this shape on the wire
// regardless of which store answered the query.
type logRow struct {
	MsgID  int64  `gorm:"column:msgid;primaryKey"`
	Parent *int64 `gorm:"column:parent"`
	Sender int64  `gorm:"column:sender"`
	Nick   string `gorm:"column:nick"`
	Text   string `gorm:"column:text"`
}

func (logRow) TableName() string { return "logs" }

type uuidRow struct {
	User int64  `gorm:"column:user;primaryKey"`
	UUID string `gorm:"column:uuid"`
}

func (uuidRow) TableName() string { return "uuid" }

func toRow(e LogEntry) logRow {
	var parent *int64
	if e.Parent != nil {
		v := int64(*e.Parent)
		parent = &v
	}
	return logRow{
		MsgID:  int64(e.ID),
		Parent: parent,
		Sender: int64(e.Sender),
		Nick:   e.Nick,
		Text:   e.Text,
	}
}

func fromRow(r logRow) LogEntry {
	e := LogEntry{
		ID:     MsgID(r.MsgID),
		Sender: uint64(r.Sender),
		Nick:   r.Nick,
		Text:   r.Text,
	}
	if r.Parent != nil {
		p := MsgID(*r.Parent)
		e.Parent = &p
	}
	return e
}

// SQLiteStore persists the log to a SQLite database via gorm, migrated with
// goose, adapting the teacher's pkg/store/store.go NewStore/Close pattern.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path and brings its schema up to date.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("logstore: open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("logstore: underlying sql.DB: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("logstore: set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, fmt.Errorf("logstore: run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, e LogEntry) error {
	row := toRow(e)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteStore) Delete(ctx context.Context, id MsgID) (LogEntry, error) {
	var row logRow
	if err := s.db.WithContext(ctx).First(&row, "msgid = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LogEntry{}, ErrNotFound
		}
		return LogEntry{}, err
	}
	if err := s.db.WithContext(ctx).Delete(&logRow{}, "msgid = ?", int64(id)).Error; err != nil {
		return LogEntry{}, err
	}
	return fromRow(row), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id MsgID) (LogEntry, error) {
	var row logRow
	if err := s.db.WithContext(ctx).First(&row, "msgid = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LogEntry{}, ErrNotFound
		}
		return LogEntry{}, err
	}
	return fromRow(row), nil
}

// GetAt returns the entry at index in ascending id order, with negative
// indices counting from the end (-1 is the newest entry).
func (s *SQLiteStore) GetAt(ctx context.Context, index int) (LogEntry, error) {
	q := s.db.WithContext(ctx).Model(&logRow{})
	var row logRow
	var err error
	if index >= 0 {
		err = q.Order("msgid ASC").Offset(index).Limit(1).First(&row).Error
	} else {
		err = q.Order("msgid DESC").Offset(-index - 1).Limit(1).First(&row).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return LogEntry{}, ErrNotFound
		}
		return LogEntry{}, err
	}
	return fromRow(row), nil
}

func (s *SQLiteStore) Query(ctx context.Context, r QueryRange) ([]LogEntry, error) {
	q := s.db.WithContext(ctx).Model(&logRow{})
	if r.From != nil {
		q = q.Where("msgid >= ?", int64(*r.From))
	}
	if r.To != nil {
		q = q.Where("msgid <= ?", int64(*r.To))
	}

	var rows []logRow
	if r.Amount > 0 && r.From == nil {
		// No lower bound: take the newest Amount rows up to To, then
		// reverse back to ascending order, mirroring the original
		// implementation's descending-then-reverse query shape.
		if err := q.Order("msgid DESC").Limit(r.Amount).Find(&rows).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	} else {
		if r.Amount > 0 {
			q = q.Limit(r.Amount)
		}
		if err := q.Order("msgid ASC").Find(&rows).Error; err != nil {
			return nil, err
		}
	}

	out := make([]LogEntry, len(rows))
	for i, row := range rows {
		out[i] = fromRow(row)
	}
	return out, nil
}

func (s *SQLiteStore) AddUUID(ctx context.Context, sender uint64, uuid string) error {
	checkUUID(uuid)
	row := uuidRow{User: int64(sender), UUID: uuid}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteStore) QueryUUIDs(ctx context.Context) (map[uint64]string, error) {
	var rows []uuidRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64]string, len(rows))
	for _, r := range rows {
		out[uint64(r.User)] = r.UUID
	}
	return out, nil
}

func (s *SQLiteStore) Bounds(ctx context.Context) (oldest, newest MsgID, count int, err error) {
	var row struct {
		Oldest int64
		Newest int64
		Count  int
	}
	err = s.db.WithContext(ctx).Model(&logRow{}).
		Select("COALESCE(MIN(msgid),0) AS oldest, COALESCE(MAX(msgid),0) AS newest, COUNT(*) AS count").
		Scan(&row).Error
	if err != nil {
		return 0, 0, 0, err
	}
	return MsgID(row.Oldest), MsgID(row.Newest), row.Count, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	oldest, newest, count, err := s.Bounds(ctx)
	if err != nil {
		return Stats{}, err
	}
	var uuidCount int64
	if err := s.db.WithContext(ctx).Model(&uuidRow{}).Count(&uuidCount).Error; err != nil {
		return Stats{}, err
	}
	return Stats{Count: count, Oldest: oldest, Newest: newest, UUIDCount: int(uuidCount)}, nil
}

// Trim deletes the oldest rows beyond maxLen, keeping the newest maxLen
// entries. A maxLen of 0 disables trimming.
func (s *SQLiteStore) Trim(ctx context.Context, maxLen int) (int, error) {
	if maxLen <= 0 {
		return 0, nil
	}
	var keepFrom int64
	row := struct{ Msgid int64 }{}
	err := s.db.WithContext(ctx).Model(&logRow{}).
		Select("msgid").Order("msgid DESC").Offset(maxLen - 1).Limit(1).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	keepFrom = row.Msgid
	if keepFrom == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("msgid < ?", keepFrom).Delete(&logRow{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// optimize runs SQLite's own query-planner statistics refresh, the
// recommended lightweight alternative to a full VACUUM for a long-lived
// connection.
func (s *SQLiteStore) optimize(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("PRAGMA optimize").Error
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
