// Package topic implements the two broker topic families (spec.md §4.3) as
// pure functions: parse, format, and wildcard match. Grounded on the
// teacher's internal/messaging.MQTTTopicBuilder (template substitution,
// ValidateTopic/isValidWildcard), generalized from fixed templates to full
// parse/format/match over both families.
package topic

import (
	"errors"
	"strings"
)

// ErrMalformed is returned by ParseTelemetryTopic and ParseMgmtTopic when a
// topic does not match that family's grammar.
var ErrMalformed = errors.New("topic: malformed")

// MsgType is a TELEMETRY message type (spec.md §4.3).
type MsgType string

const (
	NBIRTH MsgType = "NBIRTH"
	NDATA  MsgType = "NDATA"
	NDEATH MsgType = "NDEATH"
	DBIRTH MsgType = "DBIRTH"
	DDATA  MsgType = "DDATA"
	DDEATH MsgType = "DDEATH"
	NCMD   MsgType = "NCMD"
	DCMD   MsgType = "DCMD"
)

// deviceScoped reports whether msgType carries a trailing device_id segment.
func deviceScoped(t MsgType) bool {
	switch t {
	case DBIRTH, DDATA, DDEATH, DCMD:
		return true
	default:
		return false
	}
}

// Telemetry is a parsed TELEMETRY topic: <ns>/<group>/<msg_type>/<node>[/<device_id>].
type Telemetry struct {
	Namespace string
	Group     string
	MsgType   MsgType
	Node      string
	DeviceID  string // empty for node-scoped message types
}

// ParseTelemetryTopic parses a TELEMETRY-family topic.
func ParseTelemetryTopic(t string) (Telemetry, error) {
	parts := strings.Split(t, "/")
	if len(parts) < 4 {
		return Telemetry{}, ErrMalformed
	}

	mt := MsgType(parts[2])
	switch mt {
	case NBIRTH, NDATA, NDEATH, DBIRTH, DDATA, DDEATH, NCMD, DCMD:
	default:
		return Telemetry{}, ErrMalformed
	}

	tt := Telemetry{
		Namespace: parts[0],
		Group:     parts[1],
		MsgType:   mt,
		Node:      parts[3],
	}

	if deviceScoped(mt) {
		if len(parts) != 5 || parts[4] == "" {
			return Telemetry{}, ErrMalformed
		}
		tt.DeviceID = parts[4]
	} else if len(parts) != 4 {
		return Telemetry{}, ErrMalformed
	}

	return tt, nil
}

// FormatTelemetryTopic renders t back into its topic string.
func FormatTelemetryTopic(t Telemetry) string {
	base := t.Namespace + "/" + t.Group + "/" + string(t.MsgType) + "/" + t.Node
	if deviceScoped(t.MsgType) {
		return base + "/" + t.DeviceID
	}
	return base
}

// MgmtVerb is an MGMT-family verb (spec.md §4.3).
type MgmtVerb string

const (
	VerbReg    MgmtVerb = "reg"
	VerbUpdate MgmtVerb = "update"
	VerbBulk   MgmtVerb = "bulk"
	VerbDereg  MgmtVerb = "dereg"
	VerbCmd    MgmtVerb = "cmd"
	VerbResp   MgmtVerb = "resp"
	VerbEvent  MgmtVerb = "event"
	VerbConfig MgmtVerb = "config"
)

// Mgmt is a parsed MGMT-family topic: <prefix>/<device_id>/<verb>[/<sub>].
type Mgmt struct {
	Prefix   string
	DeviceID string
	Verb     MgmtVerb
	Sub      string // qualifies cmd/resp, e.g. read/write/execute; empty otherwise
}

// ParseMgmtTopic parses an MGMT-family topic.
func ParseMgmtTopic(t string) (Mgmt, error) {
	parts := strings.Split(t, "/")
	if len(parts) < 3 || len(parts) > 4 {
		return Mgmt{}, ErrMalformed
	}

	verb := MgmtVerb(parts[2])
	switch verb {
	case VerbReg, VerbUpdate, VerbBulk, VerbDereg, VerbCmd, VerbResp, VerbEvent, VerbConfig:
	default:
		return Mgmt{}, ErrMalformed
	}

	m := Mgmt{Prefix: parts[0], DeviceID: parts[1], Verb: verb}
	if len(parts) == 4 {
		m.Sub = parts[3]
	}
	return m, nil
}

// FormatMgmtTopic renders m back into its topic string.
func FormatMgmtTopic(m Mgmt) string {
	base := m.Prefix + "/" + m.DeviceID + "/" + string(m.Verb)
	if m.Sub != "" {
		return base + "/" + m.Sub
	}
	return base
}

// Match reports whether topic satisfies pattern under MQTT wildcard rules:
// '+' matches exactly one level, '#' matches the rest of the topic and must
// be the final pattern segment.
func Match(pattern, t string) bool {
	pParts := strings.Split(pattern, "/")
	tParts := strings.Split(t, "/")

	for i, p := range pParts {
		if p == "#" {
			return i == len(pParts)-1
		}
		if i >= len(tParts) {
			return false
		}
		if p != "+" && p != tParts[i] {
			return false
		}
	}
	return len(pParts) == len(tParts)
}

// ValidWildcards reports whether pattern uses '+' and '#' legally: '+' only
// as a whole path segment, '#' only as the final segment.
func ValidWildcards(pattern string) bool {
	parts := strings.Split(pattern, "/")
	for i, p := range parts {
		if strings.Contains(p, "#") && (p != "#" || i != len(parts)-1) {
			return false
		}
		if strings.Contains(p, "+") && p != "+" {
			return false
		}
	}
	return true
}
