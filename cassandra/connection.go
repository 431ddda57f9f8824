package cassandra

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/sopdoc"
)

// Config contains configuration for connecting to a Cassandra cluster and the documents keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for the documents table.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string
	// BulkConcurrency bounds the statements of a bulk request executing at the same time.
	BulkConcurrency int

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
type ConsistencyBook struct {
	Get    gocql.Consistency
	Add    gocql.Consistency
	Update gocql.Consistency
	Remove gocql.Consistency
}

const (
	defaultKeyspace        = "sopdoc"
	defaultBulkConcurrency = 8
	documentsTable         = "documents"
)

// ConfigFrom converts the store configuration section.
func ConfigFrom(config sopdoc.CassandraConfig) (Config, error) {
	c := Config{
		ClusterHosts:      config.Hosts,
		Keyspace:          config.Keyspace,
		ConnectionTimeout: config.ConnectionTimeout,
		ReplicationClause: config.ReplicationClause,
		BulkConcurrency:   config.BulkConcurrency,
	}
	if config.Consistency != "" {
		cl, err := gocql.ParseConsistencyWrapper(config.Consistency)
		if err != nil {
			return Config{}, fmt.Errorf("cassandra consistency %q: %w", config.Consistency, err)
		}
		c.Consistency = cl
	}
	if config.Username != "" {
		c.Authenticator = gocql.PasswordAuthenticator{Username: config.Username, Password: config.Password}
	}
	return c.withDefaults(), nil
}

func (config Config) withDefaults() Config {
	if config.Keyspace == "" {
		config.Keyspace = defaultKeyspace
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.BulkConcurrency <= 0 {
		config.BulkConcurrency = defaultBulkConcurrency
	}
	return config
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

// OpenConnection opens a session using config & creates the keyspace and documents table if missing.
func OpenConnection(config Config) (*Connection, error) {
	config = config.withDefaults()
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	// Conditional writes run their paxos round in the local datacenter.
	cluster.SerialConsistency = gocql.LocalSerial
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		s.Close()
		return nil, err
	}
	// Partitioned by index & type, ids cluster in ascending order for Search.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (idx text, typ text, id text, version bigint, source text, PRIMARY KEY((idx, typ), id));",
		config.Keyspace, documentsTable)).Exec(); err != nil {
		s.Close()
		return nil, err
	}
	return &Connection{Session: s, Config: config}, nil
}

// Close closes the session.
func (c *Connection) Close() error {
	if c.Session != nil {
		c.Session.Close()
		c.Session = nil
	}
	return nil
}
