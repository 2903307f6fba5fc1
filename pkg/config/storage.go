package config

import (
	"fmt"
	"time"
)

// StorageConfig configures the conversation/prompt datastore.
// Supports sqlite, postgres and mysql via database/sql, plus an in-memory
// store for tests and ephemeral runs.
type StorageConfig struct {
	// Driver: sqlite, postgres, mysql, memory. Defaults to sqlite.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty" jsonschema:"title=Driver,enum=sqlite,enum=postgres,enum=mysql,enum=memory,default=sqlite"`

	// Path is the database file for sqlite. Defaults to ensemble.db.
	Path string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"title=Path,default=ensemble.db"`

	// Host/Port/Database/Username/Password for postgres and mysql.
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty" jsonschema:"title=Password,description=Use ${ENV_VAR}"`
	SSLMode  string `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty" jsonschema:"title=SSL Mode,default=disable"`

	// MaxConns bounds open connections (primary + overflow). Default 20.
	MaxConns int `yaml:"max_conns,omitempty" json:"max_conns,omitempty" jsonschema:"title=Max Connections,default=20"`

	// MaxIdle bounds idle connections. Default 15.
	MaxIdle int `yaml:"max_idle,omitempty" json:"max_idle,omitempty" jsonschema:"title=Max Idle,default=15"`

	// CheckoutTimeout bounds waiting for a pooled connection. Default 20s.
	CheckoutTimeout time.Duration `yaml:"checkout_timeout,omitempty" json:"checkout_timeout,omitempty" jsonschema:"title=Checkout Timeout,default=20s"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = "ensemble.db"
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 15
	}
	if c.CheckoutTimeout == 0 {
		c.CheckoutTimeout = 20 * time.Second
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "memory":
		return nil
	case "postgres", "mysql":
		if c.Host == "" {
			return fmt.Errorf("host is required for driver %s", c.Driver)
		}
		if c.Database == "" {
			return fmt.Errorf("database is required for driver %s", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver %q (supported: sqlite, postgres, mysql, memory)", c.Driver)
	}
}

// DriverName maps the config driver to the database/sql driver name.
func (c *StorageConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// DSN builds the connection string for the configured driver.
func (c *StorageConfig) DSN() string {
	switch c.Driver {
	case "sqlite":
		// _busy_timeout keeps concurrent appends from failing fast on lock.
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", c.Path)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.Username, c.Password, c.Host, c.Port, c.Database)
	default:
		return ""
	}
}
