package auth

import (
	"fmt"
	"strconv"
)

// PostgresConn holds connection fields for the postgres plugin
type PostgresConn struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// PostgresParams maps a resolved payload to connection fields. Host, user
// and database are required; port defaults to 5432 and sslmode to prefer.
func PostgresParams(item *ResolvedAuth) (*PostgresConn, error) {
	if item == nil {
		return nil, fmt.Errorf("nil auth item")
	}

	conn := &PostgresConn{
		Host:     stringField(item.Payload, "host"),
		User:     stringField(item.Payload, "user"),
		Password: stringField(item.Payload, "password"),
		Database: stringField(item.Payload, "database"),
		SSLMode:  stringField(item.Payload, "sslmode"),
		Port:     5432,
	}
	if conn.Database == "" {
		conn.Database = stringField(item.Payload, "dbname")
	}
	if conn.SSLMode == "" {
		conn.SSLMode = "prefer"
	}
	if portStr := stringField(item.Payload, "port"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q in credential %s", portStr, item.Source)
		}
		conn.Port = port
	}

	if conn.Host == "" || conn.User == "" || conn.Database == "" {
		return nil, fmt.Errorf("postgres credential %s missing host, user or database", item.Source)
	}
	return conn, nil
}

// DSN returns the libpq-style connection string
func (c *PostgresConn) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}
