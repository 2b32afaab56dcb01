package remote

import (
	"regexp"

	"github.com/pkg/errors"
)

var userHostPortRegex = regexp.MustCompile(`(?:([\w\-_]+)@)?([\w\-_\.]+)(?::(\d+))?`)

// HostInfo is a parsed "user@host:port" connection string. User and Port are
// optional in the input.
type HostInfo struct {
	User     string
	Hostname string
	Port     string
}

// ParseSSHInfo splits a connection string of the form "user@host:port" into
// its parts, defaulting the port to 22.
func ParseSSHInfo(fullHostname string) (*HostInfo, error) {
	matches := userHostPortRegex.FindStringSubmatch(fullHostname)
	if len(matches) == 0 {
		return nil, errors.Errorf("invalid hostname format '%s'", fullHostname)
	}
	info := &HostInfo{
		User:     matches[1],
		Hostname: matches[2],
		Port:     matches[3],
	}
	if info.Port == "" {
		info.Port = defaultPort
	}
	return info, nil
}
