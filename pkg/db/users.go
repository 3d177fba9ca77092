package db

import (
	"context"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mahaj/workspace-chat/pkg/model"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrEmailTaken    = errors.New("email already registered")
)

// User is a stored account, including its password hash.
type User struct {
	model.Profile
	PasswordHash string
}

// Users stores accounts across users, users_by_email and users_by_username.
// The lookup tables are claimed with lightweight transactions so two
// registrations cannot share a username or email.
type Users struct {
	s *Session
}

func NewUsers(s *Session) *Users { return &Users{s: s} }

func (u *Users) Create(ctx context.Context, user User) error {
	if err := u.claim(ctx, "users_by_username", "username", user.Username, user.ID, ErrUsernameTaken); err != nil {
		return err
	}
	if err := u.claim(ctx, "users_by_email", "email", user.Email, user.ID, ErrEmailTaken); err != nil {
		u.release(ctx, "users_by_username", "username", user.Username)
		return err
	}
	err := u.s.Query(`INSERT INTO users (id, username, email, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.DisplayName, user.PasswordHash, user.CreatedAt).WithContext(ctx).Exec()
	return errors.Wrap(err, "insert user")
}

func (u *Users) ByID(ctx context.Context, id string) (User, error) {
	var user User
	var created time.Time
	err := u.s.Query(`SELECT id, username, email, display_name, password_hash, created_at FROM users WHERE id = ?`, id).
		WithContext(ctx).
		Scan(&user.ID, &user.Username, &user.Email, &user.DisplayName, &user.PasswordHash, &created)
	if errors.Is(err, gocql.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, errors.Wrap(err, "select user")
	}
	user.CreatedAt = created
	return user, nil
}

func (u *Users) ByEmail(ctx context.Context, email string) (User, error) {
	var id string
	err := u.s.Query(`SELECT user_id FROM users_by_email WHERE email = ?`, email).WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, errors.Wrap(err, "select user by email")
	}
	return u.ByID(ctx, id)
}

// Update writes profile fields, moving the username and email claims when
// they change.
func (u *Users) Update(ctx context.Context, user User) error {
	old, err := u.ByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if user.Username != old.Username {
		if err := u.claim(ctx, "users_by_username", "username", user.Username, user.ID, ErrUsernameTaken); err != nil {
			return err
		}
	}
	if user.Email != old.Email {
		if err := u.claim(ctx, "users_by_email", "email", user.Email, user.ID, ErrEmailTaken); err != nil {
			if user.Username != old.Username {
				u.release(ctx, "users_by_username", "username", user.Username)
			}
			return err
		}
	}
	err = u.s.Query(`UPDATE users SET username = ?, email = ?, display_name = ? WHERE id = ?`,
		user.Username, user.Email, user.DisplayName, user.ID).WithContext(ctx).Exec()
	if err != nil {
		return errors.Wrap(err, "update user")
	}
	if user.Username != old.Username {
		u.release(ctx, "users_by_username", "username", old.Username)
	}
	if user.Email != old.Email {
		u.release(ctx, "users_by_email", "email", old.Email)
	}
	return nil
}

func (u *Users) SetPassword(ctx context.Context, id, hash string) error {
	err := u.s.Query(`UPDATE users SET password_hash = ? WHERE id = ?`, hash, id).WithContext(ctx).Exec()
	return errors.Wrap(err, "update password")
}

func (u *Users) claim(ctx context.Context, table, column, value, userID string, taken error) error {
	applied, err := u.s.Query(`INSERT INTO `+table+` (`+column+`, user_id) VALUES (?, ?) IF NOT EXISTS`, value, userID).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return errors.Wrapf(err, "claim %s", column)
	}
	if !applied {
		return taken
	}
	return nil
}

func (u *Users) release(ctx context.Context, table, column, value string) {
	err := u.s.Query(`DELETE FROM `+table+` WHERE `+column+` = ?`, value).WithContext(ctx).Exec()
	logRelease(u.s.log, table, column, value, err)
}

// logRelease reports a claim that could not be rolled back. The orphaned
// lookup row keeps the value reserved until it is deleted by hand.
func logRelease(log zerolog.Logger, table, column, value string, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("table", table).Str(column, value).Msg("failed to release uniqueness claim")
}
