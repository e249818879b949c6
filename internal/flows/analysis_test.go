// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name string
		key  FlowKey
		want string
	}{
		{"https by dst", FlowKey{Protocol: ProtoTCP, SrcPort: 51000, DstPort: 443}, "TCP https"},
		{"dns reply by src", FlowKey{Protocol: ProtoUDP, SrcPort: 53, DstPort: 40000}, "UDP dns"},
		{"quic", FlowKey{Protocol: ProtoUDP, SrcPort: 40000, DstPort: 443}, "UDP quic"},
		{"unknown port", FlowKey{Protocol: ProtoTCP, SrcPort: 40000, DstPort: 9999}, "TCP 9999"},
		{"icmp", FlowKey{Protocol: ProtoICMP}, "ICMP"},
		{"gre", FlowKey{Protocol: 47}, "IP 47"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Analyze(tt.key).Protocol)
		})
	}
}

func TestEndStatus(t *testing.T) {
	assert.False(t, EndAlive.Closed())
	assert.True(t, EndFinClosed.Closed())
	assert.True(t, EndResetClosed.Closed())
	assert.Equal(t, "rst", EndResetClosed.String())
}
