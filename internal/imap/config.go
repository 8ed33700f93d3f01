// Package imap uploads messages to an IMAP server over a managed,
// self-healing connection.
package imap

import (
	"fmt"
	"net/url"
)

// Config holds connection settings for the destination IMAP server.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool // Implicit TLS (IMAPS, port 993)
}

// Addr returns the "host:port" string, defaulting the port from UseSSL.
func (c *Config) Addr() string {
	port := c.Port
	if port == 0 {
		if c.UseSSL {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Identifier returns a canonical string like "imaps://user@host:port",
// suitable for logs. It never includes the password.
func (c *Config) Identifier() string {
	scheme := "imap"
	if c.UseSSL {
		scheme = "imaps"
	}
	return fmt.Sprintf("%s://%s@%s", scheme, url.PathEscape(c.Username), c.Addr())
}
