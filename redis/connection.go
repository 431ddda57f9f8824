package redis

import (
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/sopdoc"
)

// Redis configurable options.
type Options struct {
	// Redis server(cluster) address.
	Address string
	// Password required when connecting to the Redis server.
	Password string
	// DB to connect to.
	DB int
	// TLS config.
	TLSConfig *tls.Config
	// KeyPrefix namespaces the document keys, e.g. "app1:".
	KeyPrefix string
}

// DefaultOptions.
func DefaultOptions() Options {
	return Options{
		Address:  "localhost:6379",
		Password: "", // no password set
		DB:       0,  // use default DB
	}
}

// OptionsFrom converts the store configuration section. A URL takes precedence over Address, Password & DB.
func OptionsFrom(config sopdoc.RedisConfig) (Options, error) {
	o := DefaultOptions()
	o.KeyPrefix = config.KeyPrefix
	if config.URL != "" {
		ro, err := redis.ParseURL(config.URL)
		if err != nil {
			return Options{}, fmt.Errorf("parse redis url: %w", err)
		}
		o.Address = ro.Addr
		o.Password = ro.Password
		o.DB = ro.DB
		o.TLSConfig = ro.TLSConfig
		return o, nil
	}
	if config.Address != "" {
		o.Address = config.Address
	}
	o.Password = config.Password
	o.DB = config.DB
	return o, nil
}

// Connection contains Redis client connection object and the Options used to connect.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// OpenConnection creates a client for options. The client connects lazily, call Ping to probe it.
func OpenConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
		TLSConfig: options.TLSConfig,
	})
	return &Connection{
		Client:  client,
		Options: options,
	}
}

// Close closes the client.
func (c *Connection) Close() error {
	if c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
