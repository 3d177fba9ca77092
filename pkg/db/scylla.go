// Package db stores accounts, messages and DM conversations in ScyllaDB.
package db

import (
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var keyspaceName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// Session wraps a gocql session bound to one keyspace.
type Session struct {
	*gocql.Session
	log zerolog.Logger
}

// Cluster returns the settings every service connects with: quorum reads and
// writes, token-aware routing and a short exponential retry.
func Cluster(hosts []string, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        time.Second,
	}
	return cluster
}

func NewSession(hosts []string, keyspace string, log zerolog.Logger) (*Session, error) {
	if !keyspaceName.MatchString(keyspace) {
		return nil, errors.Errorf("invalid keyspace name %q", keyspace)
	}
	session, err := Cluster(hosts, keyspace).CreateSession()
	if err != nil {
		return nil, errors.Wrapf(err, "connect to scylla keyspace %q", keyspace)
	}
	log.Info().Strs("hosts", hosts).Str("keyspace", keyspace).Msg("connected to ScyllaDB cluster")
	return &Session{Session: session, log: log.With().Str("keyspace", keyspace).Logger()}, nil
}

// EnsureKeyspace creates keyspace with simple replication if it is missing.
func EnsureKeyspace(hosts []string, keyspace string, log zerolog.Logger) error {
	if !keyspaceName.MatchString(keyspace) {
		return errors.Errorf("invalid keyspace name %q", keyspace)
	}
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return err
	}
	defer sys.Close()
	stmt := `CREATE KEYSPACE IF NOT EXISTS ` + keyspace + ` WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`
	return errors.Wrap(sys.Query(stmt).Exec(), "create keyspace")
}
