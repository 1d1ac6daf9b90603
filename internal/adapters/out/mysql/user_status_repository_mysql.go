package mysql

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
)

// UserPresenceModel GORM模型
type UserPresenceModel struct {
	UserID           string    `gorm:"column:user_id;type:varchar(64);primaryKey"`
	Username         string    `gorm:"column:username;type:varchar(64);not null;default:''"`
	Status           string    `gorm:"column:status;type:varchar(16);not null;default:'offline'"`
	StatusDefault    string    `gorm:"column:status_default;type:varchar(16);not null;default:'online'"`
	StatusConnection string    `gorm:"column:status_connection;type:varchar(128);not null;default:''"`
	StatusText       string    `gorm:"column:status_text;type:varchar(255);not null;default:''"`
	CreatedAt        time.Time `gorm:"column:created_at;not null;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (UserPresenceModel) TableName() string {
	return "user_presence"
}

// toEntity 转换为领域实体
func (m *UserPresenceModel) toEntity() *entity.UserStatus {
	return &entity.UserStatus{
		UserID:           m.UserID,
		Username:         m.Username,
		Status:           parseStatus(m.Status, entity.PresenceStatusOffline),
		StatusDefault:    parseStatus(m.StatusDefault, entity.PresenceStatusOnline),
		StatusConnection: m.StatusConnection,
		StatusText:       m.StatusText,
	}
}

func parseStatus(s string, fallback entity.PresenceStatus) entity.PresenceStatus {
	if s == "" {
		return fallback
	}
	status, err := entity.ParsePresenceStatus(s)
	if err != nil {
		return fallback
	}
	return status
}

// UserStatusRepositoryMySQL MySQL用户状态仓储实现
type UserStatusRepositoryMySQL struct {
	db *gorm.DB
}

// NewUserStatusRepositoryMySQL 创建MySQL用户状态仓储
func NewUserStatusRepositoryMySQL(db *gorm.DB) out.UserStatusRepository {
	return &UserStatusRepositoryMySQL{db: db}
}

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserPresenceModel{})
}

func (r *UserStatusRepositoryMySQL) GetUser(ctx context.Context, userID string) (*entity.UserStatus, error) {
	var model UserPresenceModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.toEntity(), nil
}

// UpdateStatus 只在至少一个字段不同时才命中行，RowsAffected 即是否真的改变
func (r *UserStatusRepositoryMySQL) UpdateStatus(ctx context.Context, userID string, update entity.StatusUpdate) (bool, error) {
	updates := map[string]interface{}{
		"status":            update.Status.String(),
		"status_connection": update.StatusConnection,
	}
	conds := []string{"status <> ?", "status_connection <> ?"}
	args := []interface{}{update.Status.String(), update.StatusConnection}

	if update.StatusDefault != nil {
		updates["status_default"] = update.StatusDefault.String()
		conds = append(conds, "status_default <> ?")
		args = append(args, update.StatusDefault.String())
	}
	if update.StatusText != nil {
		updates["status_text"] = *update.StatusText
		conds = append(conds, "status_text <> ?")
		args = append(args, *update.StatusText)
	}

	result := r.db.WithContext(ctx).
		Model(&UserPresenceModel{}).
		Where("user_id = ?", userID).
		Where("("+strings.Join(conds, " OR ")+")", args...).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *UserStatusRepositoryMySQL) EnsureUser(ctx context.Context, userID, username string) error {
	model := &UserPresenceModel{
		UserID:        userID,
		Username:      username,
		Status:        entity.PresenceStatusOffline.String(),
		StatusDefault: entity.PresenceStatusOnline.String(),
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}
	if username != "" {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username"}),
		}
	}

	return r.db.WithContext(ctx).Clauses(onConflict).Create(model).Error
}
