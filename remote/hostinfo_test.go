package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSHInfo(t *testing.T) {
	for name, test := range map[string]struct {
		input    string
		expected HostInfo
	}{
		"HostOnly": {
			input:    "build-host.example.com",
			expected: HostInfo{Hostname: "build-host.example.com", Port: "22"},
		},
		"UserAndHost": {
			input:    "mockbuild@koji.example.com",
			expected: HostInfo{User: "mockbuild", Hostname: "koji.example.com", Port: "22"},
		},
		"UserHostAndPort": {
			input:    "root@147.28.0.1:2222",
			expected: HostInfo{User: "root", Hostname: "147.28.0.1", Port: "2222"},
		},
	} {
		t.Run(name, func(t *testing.T) {
			info, err := ParseSSHInfo(test.input)
			require.NoError(t, err)
			assert.Equal(t, test.expected, *info)
		})
	}
}
