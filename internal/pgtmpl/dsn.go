package pgtmpl

import (
	"fmt"
	"net/url"
	"sort"
)

// ConnInfo describes how to reach one logical database on a backing server.
type ConnInfo struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Params are connection-level options (the provider's client.*
	// properties) appended to the DSN, e.g. sslmode or statement_timeout.
	Params map[string]string
}

// DSN renders the connection info as a postgres URL with deterministic
// parameter order.
func (c ConnInfo) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if len(c.Params) > 0 {
		keys := make([]string, 0, len(c.Params))
		for k := range c.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		q := url.Values{}
		for _, k := range keys {
			q.Set(k, c.Params[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// WithDatabase returns a copy of the connection info pointing at another
// logical database on the same server.
func (c ConnInfo) WithDatabase(name string) ConnInfo {
	c.Database = name
	return c
}
