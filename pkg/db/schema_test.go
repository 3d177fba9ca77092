package db

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTablesAreUniqueAndIdempotent(t *testing.T) {
	seen := map[string]bool{}
	for _, tbl := range Tables {
		assert.False(t, seen[tbl.Name], "duplicate table %s", tbl.Name)
		seen[tbl.Name] = true
		assert.Contains(t, tbl.Create, "CREATE TABLE IF NOT EXISTS "+tbl.Name+" (")
	}
	for _, name := range []string{"users", "users_by_email", "users_by_username", "messages", "user_conversations", "conversation_counters"} {
		assert.True(t, seen[name], name)
	}
}

func TestMessagesNewestFirst(t *testing.T) {
	for _, tbl := range Tables {
		if tbl.Name != "messages" {
			continue
		}
		assert.True(t, strings.HasSuffix(tbl.Create, "WITH CLUSTERING ORDER BY (id DESC)"))
		assert.Contains(t, tbl.Create, "attachments text")
		return
	}
	t.Fatal("messages table missing")
}

func TestDropTableRejectsUnknownNames(t *testing.T) {
	err := (&Session{}).DropTable("messages; DROP KEYSPACE chat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestClusterSettings(t *testing.T) {
	c := Cluster([]string{"10.0.0.1:9042", "10.0.0.2:9042"}, "chat")
	assert.Equal(t, []string{"10.0.0.1:9042", "10.0.0.2:9042"}, c.Hosts)
	assert.Equal(t, "chat", c.Keyspace)
	assert.NotNil(t, c.RetryPolicy)
}

func TestKeyspaceNameIsValidated(t *testing.T) {
	err := EnsureKeyspace([]string{"127.0.0.1"}, "chat; DROP KEYSPACE system", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid keyspace name")
}
