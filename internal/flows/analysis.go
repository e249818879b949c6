// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import "fmt"

// FlowAnalysis is derived from a flow's key.
type FlowAnalysis struct {
	Protocol string `json:"protocol"`
}

type portKey struct {
	proto uint8
	port  uint16
}

var wellKnown = map[portKey]string{
	{ProtoTCP, 20}:    "ftp-data",
	{ProtoTCP, 21}:    "ftp",
	{ProtoTCP, 22}:    "ssh",
	{ProtoTCP, 23}:    "telnet",
	{ProtoTCP, 25}:    "smtp",
	{ProtoTCP, 53}:    "dns",
	{ProtoUDP, 53}:    "dns",
	{ProtoUDP, 67}:    "dhcp",
	{ProtoUDP, 68}:    "dhcp",
	{ProtoTCP, 80}:    "http",
	{ProtoTCP, 110}:   "pop3",
	{ProtoUDP, 123}:   "ntp",
	{ProtoTCP, 143}:   "imap",
	{ProtoUDP, 161}:   "snmp",
	{ProtoTCP, 179}:   "bgp",
	{ProtoTCP, 443}:   "https",
	{ProtoUDP, 443}:   "quic",
	{ProtoUDP, 500}:   "ipsec",
	{ProtoTCP, 587}:   "submission",
	{ProtoTCP, 853}:   "dns-over-tls",
	{ProtoTCP, 993}:   "imaps",
	{ProtoTCP, 995}:   "pop3s",
	{ProtoUDP, 1194}:  "openvpn",
	{ProtoTCP, 1883}:  "mqtt",
	{ProtoUDP, 3478}:  "stun",
	{ProtoTCP, 3389}:  "rdp",
	{ProtoUDP, 4500}:  "ipsec-nat",
	{ProtoUDP, 5060}:  "sip",
	{ProtoTCP, 5060}:  "sip",
	{ProtoTCP, 8080}:  "http-alt",
	{ProtoTCP, 8443}:  "https-alt",
	{ProtoUDP, 51820}: "wireguard",
}

func protocolName(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoICMP:
		return "ICMP"
	case ProtoICMPv6:
		return "ICMPv6"
	default:
		return fmt.Sprintf("IP %d", proto)
	}
}

// Analyze names the flow's protocol. The destination port is tried
// before the source port, so replies resolve to the same service.
func Analyze(k FlowKey) FlowAnalysis {
	base := protocolName(k.Protocol)
	if k.Protocol != ProtoTCP && k.Protocol != ProtoUDP {
		return FlowAnalysis{Protocol: base}
	}
	for _, port := range [2]uint16{k.DstPort, k.SrcPort} {
		if svc, ok := wellKnown[portKey{k.Protocol, port}]; ok {
			return FlowAnalysis{Protocol: base + " " + svc}
		}
	}
	lo := min(k.SrcPort, k.DstPort)
	return FlowAnalysis{Protocol: fmt.Sprintf("%s %d", base, lo)}
}
