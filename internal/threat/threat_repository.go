package threat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/khanghh/kguard/model"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// ThreatEventRepository is the durable archive of appended events.
type ThreatEventRepository interface {
	Sink
	Query(ctx context.Context, filter Filter, limit int) ([]Event, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type threatEventRepository struct {
	db *gorm.DB
}

func (r *threatEventRepository) Name() string {
	return "database"
}

func toModel(e *Event) (*model.ThreatEvent, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, err
	}
	return &model.ThreatEvent{
		ID:          e.ID,
		Type:        e.Type,
		Level:       string(e.Level),
		IP:          e.IP,
		UserID:      e.UserID,
		Details:     string(details),
		ActionTaken: e.ActionTaken,
		CreatedAt:   e.Timestamp,
	}, nil
}

func fromModel(m *model.ThreatEvent) Event {
	e := Event{
		ID:          m.ID,
		Timestamp:   m.CreatedAt,
		Type:        m.Type,
		Level:       Level(m.Level),
		IP:          m.IP,
		UserID:      m.UserID,
		ActionTaken: m.ActionTaken,
	}
	if m.Details != "" && m.Details != "null" {
		json.Unmarshal([]byte(m.Details), &e.Details)
	}
	return e
}

func (r *threatEventRepository) Publish(ctx context.Context, events []Event) error {
	rows := make([]*model.ThreatEvent, 0, len(events))
	for i := range events {
		row, err := toModel(&events[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, len(rows)).Error
}

// Query reads from a replica when one is configured.
func (r *threatEventRepository) Query(ctx context.Context, filter Filter, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	tx := r.db.WithContext(ctx).Clauses(dbresolver.Read).Model(&model.ThreatEvent{})
	if filter.Type != "" {
		tx = tx.Where("type = ?", filter.Type)
	}
	if filter.Level != "" {
		tx = tx.Where("level = ?", string(filter.Level))
	}
	if filter.IP != "" {
		tx = tx.Where("ip = ?", filter.IP)
	}
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	if !filter.Since.IsZero() {
		tx = tx.Where("created_at >= ?", filter.Since)
	}

	var rows []*model.ThreatEvent
	if err := tx.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, fromModel(row))
	}
	return events, nil
}

func (r *threatEventRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.ThreatEvent{})
	return result.RowsAffected, result.Error
}

func NewThreatEventRepository(db *gorm.DB) ThreatEventRepository {
	return &threatEventRepository{db: db}
}
