package db

import (
	"github.com/pkg/errors"
)

// Table holds the CQL that creates one table.
type Table struct {
	Name   string
	Create string
}

// Tables lists every table the services use, in creation order.
var Tables = []Table{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		username text,
		email text,
		display_name text,
		password_hash text,
		created_at timestamp
	)`},
	{"users_by_email", `CREATE TABLE IF NOT EXISTS users_by_email (
		email text PRIMARY KEY,
		user_id text
	)`},
	{"users_by_username", `CREATE TABLE IF NOT EXISTS users_by_username (
		username text PRIMARY KEY,
		user_id text
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		id bigint,
		user_id text,
		content text,
		attachments text,
		timestamp timestamp,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"user_conversations", `CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		other_user_id text,
		last_updated timestamp,
		PRIMARY KEY (user_id, other_user_id)
	)`},
	{"conversation_counters", `CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		other_user_id text,
		unread_count counter,
		PRIMARY KEY (user_id, other_user_id)
	)`},
}

// CreateTables creates any missing table.
func (s *Session) CreateTables() error {
	for _, t := range Tables {
		if err := s.Query(t.Create).Exec(); err != nil {
			return errors.Wrapf(err, "create table %s", t.Name)
		}
	}
	return nil
}

// DropTable drops name if it exists. Only tables listed in Tables may be
// dropped.
func (s *Session) DropTable(name string) error {
	if !known(name) {
		return errors.Errorf("unknown table %q", name)
	}
	return errors.Wrapf(s.Query("DROP TABLE IF EXISTS "+name).Exec(), "drop table %s", name)
}

func known(name string) bool {
	for _, t := range Tables {
		if t.Name == name {
			return true
		}
	}
	return false
}
