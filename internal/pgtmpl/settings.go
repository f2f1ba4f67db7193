package pgtmpl

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ConnectionReservationFactor scales a caller-supplied max_connections
// server property. Template builds, the maintenance session and clone
// traffic all consume server connections on top of what tests open
// themselves, so the effective limit is the requested value multiplied by
// this factor.
const ConnectionReservationFactor = 3

// ScaledServerParameters copies the server.* properties, applying the
// connection reservation factor to max_connections. Values that do not
// parse as integers are passed through untouched and left for the server to
// reject.
func ScaledServerParameters(props map[string]string) map[string]string {
	params := make(map[string]string, len(props))
	for k, v := range props {
		params[k] = v
	}
	if mc, ok := params["max_connections"]; ok {
		if n, err := strconv.Atoi(mc); err == nil {
			params["max_connections"] = strconv.Itoa(n * ConnectionReservationFactor)
		}
	}
	return params
}

// ClientParams merges the client.* properties over the variant defaults.
// The backing servers run without TLS, so sslmode defaults to disable unless
// the caller overrides it.
func ClientParams(props map[string]string) map[string]string {
	params := map[string]string{"sslmode": "disable"}
	for k, v := range props {
		params[k] = v
	}
	return params
}

// InstanceName returns a fresh database name for one test instance.
func InstanceName() string {
	return "db_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TemplateName derives the template database name for a preparer
// fingerprint.
func TemplateName(checksum string) string {
	if len(checksum) > 16 {
		checksum = checksum[:16]
	}
	return "tmpl_" + checksum
}
