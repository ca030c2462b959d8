package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "file path",
			input:    "failed to open /etc/tubesort/config.yaml",
			expected: "failed to open [PATH]",
		},
		{
			name:     "LIS URL",
			input:    "connection failed to https://lis.lab.local/api/tube/AB123",
			expected: "connection failed to [URL]",
		},
		{
			name:     "NATS URL",
			input:    "cannot connect to nats://localhost:4222",
			expected: "cannot connect to [URL]",
		},
		{
			name:     "controller IP address",
			input:    "timeout connecting to 192.168.1.100",
			expected: "timeout connecting to [IP]",
		},
		{
			name:     "scanner port",
			input:    "failed to bind to :9004",
			expected: "failed to bind to [PORT]",
		},
		{
			name:     "credentials in error",
			input:    "auth failed with token:abc123def",
			expected: "auth failed with [REDACTED]",
		},
		{
			name:     "complex error with multiple sensitive items",
			input:    "failed to connect to https://192.168.1.1:8080/api with token=abc123def",
			expected: "failed to connect to [URL] with [REDACTED]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}
