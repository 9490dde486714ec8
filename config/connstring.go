package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/glimte/iotlink/contracts"
)

// ConnectionInfo is a parsed connection string
type ConnectionInfo struct {
	Endpoint        string
	DeviceID        string
	SharedAccessKey string
	// Extra holds unrecognized keys, lower-cased
	Extra map[string]string
}

// Scheme returns the lower-cased endpoint scheme, e.g. "amqps"
func (i ConnectionInfo) Scheme() string {
	u, err := url.Parse(i.Endpoint)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// ParseConnectionString parses "Key=Value;Key=Value" pairs. Keys are
// case-insensitive, values keep everything after the first '='.
// Endpoint is required. A bare HostName is taken as an MQTT over TLS endpoint.
func ParseConnectionString(s string) (ConnectionInfo, error) {
	info := ConnectionInfo{Extra: make(map[string]string)}

	for i, segment := range strings.Split(s, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, value, found := strings.Cut(segment, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return ConnectionInfo{}, fmt.Errorf("%w: malformed segment %d", contracts.ErrInvalidConfiguration, i)
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "endpoint":
			info.Endpoint = value
		case "hostname":
			if !strings.Contains(value, "://") {
				// bare hub host names speak MQTT over TLS
				value = "ssl://" + value + ":8883"
			}
			info.Endpoint = value
		case "deviceid":
			info.DeviceID = value
		case "sharedaccesskey":
			info.SharedAccessKey = value
		default:
			info.Extra[strings.ToLower(key)] = value
		}
	}

	if info.Endpoint == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: connection string has no Endpoint", contracts.ErrInvalidConfiguration)
	}
	if _, err := url.Parse(info.Endpoint); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%w: endpoint: %v", contracts.ErrInvalidConfiguration, err)
	}
	return info, nil
}
