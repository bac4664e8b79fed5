package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ Persister = (*GormPersist)(nil)

type GormPersist struct {
	db     *gorm.DB
	logger hclog.Logger
}

func NewGormPersister(cfg *config.Config) (*GormPersist, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db, logger: globals.AppLogger.Named("persistence")}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no persistence dsn configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if cfg.PersistenceConfig.Type == "sqlite" {
		// sqlite serializes writers anyway; a single connection avoids "database is locked".
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.Migrator().AutoMigrate(&User{}, &Conversation{}, &ConversationMember{}, &Message{}, &PushNotification{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) getIdentity(ctx context.Context, query string, arg string) (*types.Identity, error) {
	user := User{}
	err := p.db.WithContext(ctx).Where(query, arg).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user.Identity(), nil
}

func (p *GormPersist) GetIdentity(ctx context.Context, id string) (*types.Identity, error) {
	return p.getIdentity(ctx, "id = ?", id)
}

func (p *GormPersist) GetIdentityByEmail(ctx context.Context, email string) (*types.Identity, error) {
	return p.getIdentity(ctx, "email = ?", email)
}

func (p *GormPersist) SetOnline(ctx context.Context, id string, online bool) error {
	return p.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).UpdateColumns(map[string]interface{}{
		"is_online": online,
		"last_seen": time.Now().UTC(),
	}).Error
}

func (p *GormPersist) ListMembership(ctx context.Context, identityId string) ([]string, error) {
	ids := make([]string, 0)
	err := p.db.WithContext(ctx).Model(&ConversationMember{}).Where("user_id = ?", identityId).
		Order("conversation_id").Pluck("conversation_id", &ids).Error
	return ids, err
}

func (p *GormPersist) ListRoomMembers(ctx context.Context, roomId string) ([]string, error) {
	ids := make([]string, 0)
	err := p.db.WithContext(ctx).Model(&ConversationMember{}).Where("conversation_id = ?", roomId).
		Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

func (p *GormPersist) IsMember(ctx context.Context, roomId, identityId string) (bool, error) {
	return isMember(p.db.WithContext(ctx), roomId, identityId)
}

func isMember(db *gorm.DB, roomId, identityId string) (bool, error) {
	var n int64
	err := db.Model(&ConversationMember{}).Where("conversation_id = ? AND user_id = ?", roomId, identityId).Count(&n).Error
	return n > 0, err
}

func (p *GormPersist) CreateMessage(ctx context.Context, roomId string, nm types.NewMessage) (*types.Message, error) {
	var msg Message
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := isMember(tx, roomId, nm.SenderId)
		if err != nil {
			return err
		}
		if !ok {
			return types.Validationf("not a member of conversation %s", roomId)
		}
		now := time.Now().UTC()
		res := tx.Model(&Conversation{}).Where("id = ?", roomId).UpdateColumns(map[string]interface{}{
			"last_seq":   gorm.Expr("last_seq + ?", 1),
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.Validationf("unknown conversation %s", roomId)
		}
		conv := Conversation{}
		if err := tx.Select("last_seq").Where("id = ?", roomId).Take(&conv).Error; err != nil {
			return err
		}
		msg = Message{
			Id:             uuid.NewString(),
			ConversationId: roomId,
			Seq:            conv.LastSeq,
			SenderId:       nm.SenderId,
			Content:        nm.Content,
			Kind:           string(nm.Kind),
			AttachmentId:   nm.AttachmentId,
			CreatedAt:      now,
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			return nil, err
		}
		p.logger.Error("could not create message", "room", roomId, "sender", nm.SenderId, "error", err)
		return nil, fmt.Errorf("%w: create message: %s", types.ErrPersistenceUnavailable, err)
	}
	return msg.Message(), nil
}

func (p *GormPersist) StorePushNotification(ctx context.Context, recipientId string, payload types.PushPayload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return err
	}
	n := PushNotification{
		Id:          uuid.NewString(),
		RecipientId: recipientId,
		Type:        payload.Type,
		Title:       payload.Title,
		Body:        payload.Body,
		Data:        datatypes.JSON(data),
		CreatedAt:   time.Now().UTC(),
	}
	return p.db.WithContext(ctx).Create(&n).Error
}

func (p *GormPersist) GetPendingPushNotifications(ctx context.Context, limit int) ([]*PushNotification, error) {
	res := make([]*PushNotification, 0)
	err := p.db.WithContext(ctx).Where("sent = ?", false).Order("created_at").Limit(limit).Find(&res).Error
	return res, err
}

// MarkPushNotificationsSent flags the outbox rows ids as delivered.
func (p *GormPersist) MarkPushNotificationsSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).Model(&PushNotification{}).Where("id IN ?", ids).Update("sent", true).Error
}

func (p *GormPersist) StoreUser(ctx context.Context, user *User) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "display_name", "avatar_url", "updated_at"}),
	}).Create(user).Error
}

func (p *GormPersist) GetUsers(ctx context.Context) ([]*User, error) {
	users := make([]*User, 0)
	err := p.db.WithContext(ctx).Order("username").Find(&users).Error
	return users, err
}

// StoreConversation creates or renames conversation and adds memberIds to it. Existing members
// and the message sequence are kept.
func (p *GormPersist) StoreConversation(ctx context.Context, conversation *Conversation, memberIds []string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"type", "name", "updated_at"}),
		}).Create(conversation).Error
		if err != nil {
			return err
		}
		if len(memberIds) == 0 {
			return nil
		}
		members := make([]ConversationMember, 0, len(memberIds))
		for _, id := range memberIds {
			members = append(members, ConversationMember{ConversationId: conversation.Id, UserId: id})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	})
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
