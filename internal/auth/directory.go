package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"preorder/internal/apperr"
	"preorder/internal/database"
	"preorder/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLen = 8

var (
	ErrInvalidCredentials = apperr.New(apperr.KindValidation, "invalid_credentials", "email or password is incorrect")
	ErrEmailTaken         = apperr.New(apperr.KindConflict, "email_taken", "an account with this email already exists")
)

// Directory 用户目录：注册、登录、签发令牌。
type Directory struct {
	db     *gorm.DB
	secret string
	log    *slog.Logger
}

func NewDirectory(db *gorm.DB, jwtSecret string, log *slog.Logger) *Directory {
	return &Directory{db: db, secret: jwtSecret, log: log}
}

// Register 注册顾客账号。
func (d *Directory) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	return d.create(ctx, name, email, password, model.RoleCustomer)
}

// CreateStaff 管理员新增厨房或管理员账号。
func (d *Directory) CreateStaff(ctx context.Context, actor Actor, name, email, password string, role model.Role) (*model.User, error) {
	if err := actor.Authorize(ActionManageUsers); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown role %q", role))
	}
	return d.create(ctx, name, email, password, role)
}

func (d *Directory) create(ctx context.Context, name, email, password string, role model.Role) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("a valid email is required")
	}
	if len(password) < minPasswordLen {
		return nil, apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &model.User{Name: name, Email: email, PasswordHash: string(hash), Role: role}
	if err := d.db.WithContext(ctx).Create(user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	d.log.Info("user_registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Login 校验密码并签发 token。
func (d *Directory) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	var user model.User
	if err := d.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if database.IsNotFound(err) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	token, err := GenerateToken(d.secret, &user)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, &user, nil
}

// EnsureAdmin 启动时确保存在管理员账号；未配置密码时跳过。
func (d *Directory) EnsureAdmin(ctx context.Context, email, password string) error {
	if password == "" {
		d.log.Warn("admin_seed_skipped", "reason", "ADMIN_PASSWORD not set")
		return nil
	}
	var count int64
	if err := d.db.WithContext(ctx).Model(&model.User{}).Where("role = ?", model.RoleAdmin).Count(&count).Error; err != nil {
		return fmt.Errorf("count admins: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := d.create(ctx, "Administrator", email, password, model.RoleAdmin)
	return err
}
