package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "github.com/loomchat/loom/pkg/app/errors"
	"github.com/loomchat/loom/pkg/chat"
)

// Supported SQL dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Config configures the SQL store.
type Config struct {
	Dialect string
	DSN     string
}

// Validate checks the store configuration.
func (c *Config) Validate() error {
	switch c.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unsupported store dialect: %q", c.Dialect), nil)
	}
	if c.DSN == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "store DSN is required", nil)
	}
	return nil
}

type conversationRow struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	Pinned    bool
	Settings  string // JSON-serialized chat.Settings
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"index"`
	Role           string
	Content        string
	Images         string // JSON
	Documents      string // JSON
	ToolCalls      string // JSON
	CreatedAt      time.Time
}

func (messageRow) TableName() string { return "messages" }

// SQLStore is a gorm-backed Store supporting sqlite and postgres.
type SQLStore struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cfg.Dialect {
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStoreOpen, "failed to open database", err)
	}

	if err := db.AutoMigrate(&conversationRow{}, &messageRow{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStoreOpen, "failed to migrate schema", err)
	}

	return &SQLStore{db: db}, nil
}

// LoadMessages returns a conversation's messages in chronological order.
func (s *SQLStore) LoadMessages(ctx context.Context, conversationID string) ([]*chat.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStoreRead, "failed to load messages", err)
	}

	messages := make([]*chat.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SaveMessage inserts or updates a message.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *chat.Message) error {
	row, err := toMessageRow(msg)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStoreWrite, "failed to save message", err)
	}
	return nil
}

// GetConversation returns a conversation by id.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.New(apperrors.ErrCodeConversationNotFound,
			fmt.Sprintf("conversation not found: %s", id), nil)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStoreRead, "failed to load conversation", err)
	}
	return row.toConversation()
}

// ListConversations returns all conversations, most recently updated first.
func (s *SQLStore) ListConversations(ctx context.Context) ([]*chat.Conversation, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).Order("updated_at desc").Find(&rows).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStoreRead, "failed to list conversations", err)
	}

	conversations := make([]*chat.Conversation, 0, len(rows))
	for i := range rows {
		conv, err := rows[i].toConversation()
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// SaveConversation inserts or updates a conversation.
func (s *SQLStore) SaveConversation(ctx context.Context, conv *chat.Conversation) error {
	row, err := toConversationRow(conv)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStoreWrite, "failed to save conversation", err)
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&messageRow{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&conversationRow{}, "id = ?", id).Error
	})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStoreDelete, "failed to delete conversation", err)
	}
	return nil
}

func toConversationRow(conv *chat.Conversation) (*conversationRow, error) {
	settings, err := json.Marshal(conv.Settings)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStoreWrite, "failed to marshal settings", err)
	}
	return &conversationRow{
		ID:        conv.ID,
		Title:     conv.Title,
		Pinned:    conv.Pinned,
		Settings:  string(settings),
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}, nil
}

func (r *conversationRow) toConversation() (*chat.Conversation, error) {
	conv := &chat.Conversation{
		ID:        r.ID,
		Title:     r.Title,
		Pinned:    r.Pinned,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Settings != "" {
		if err := json.Unmarshal([]byte(r.Settings), &conv.Settings); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStoreRead, "failed to unmarshal settings", err)
		}
	}
	return conv, nil
}

func toMessageRow(msg *chat.Message) (*messageRow, error) {
	row := &messageRow{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}

	for _, enc := range []struct {
		value any
		dst   *string
	}{
		{msg.Images, &row.Images},
		{msg.Documents, &row.Documents},
		{msg.ToolCalls, &row.ToolCalls},
	} {
		data, err := json.Marshal(enc.value)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStoreWrite, "failed to marshal message field", err)
		}
		*enc.dst = string(data)
	}
	return row, nil
}

func (r *messageRow) toMessage() (*chat.Message, error) {
	msg := &chat.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Role:           chat.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}

	for _, dec := range []struct {
		src string
		dst any
	}{
		{r.Images, &msg.Images},
		{r.Documents, &msg.Documents},
		{r.ToolCalls, &msg.ToolCalls},
	} {
		if dec.src == "" || dec.src == "null" {
			continue
		}
		if err := json.Unmarshal([]byte(dec.src), dec.dst); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStoreRead, "failed to unmarshal message field", err)
		}
	}
	return msg, nil
}
