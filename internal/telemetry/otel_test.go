package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExporterTarget(t *testing.T) {
	cases := []struct {
		raw      string
		endpoint string
		path     string
		insecure bool
	}{
		{"", "localhost:4318", "/v1/traces", true},
		{"collector:4318", "collector:4318", "/v1/traces", true},
		{"https://otel.example.com/custom", "otel.example.com", "/custom", false},
		{"http://jaeger:4318", "jaeger:4318", "/v1/traces", true},
	}
	for _, tc := range cases {
		endpoint, path, insecure := exporterTarget(tc.raw)
		assert.Equal(t, tc.endpoint, endpoint, tc.raw)
		assert.Equal(t, tc.path, path, tc.raw)
		assert.Equal(t, tc.insecure, insecure, tc.raw)
	}
}
