// Package mgmt defines the shared JSON wire types for the MGMT path
// (spec.md §3, §4.6, §4.7): registration documents, object trees, bulk
// envelopes, and command/response envelopes. Device-side and host-side
// engines live in the device and host subpackages.
package mgmt

// ObjectTree is the nested LwM2M-style mapping object-id -> instance-id ->
// resource-id -> value (spec.md §3 "mgmt_objects").
type ObjectTree map[string]map[string]map[string]interface{}

// Registration is the document published to <prefix>/<device_id>/reg on
// connect (spec.md §4.6).
type Registration struct {
	Endpoint        string     `json:"endpoint"`
	LifetimeS       int        `json:"lifetime_s"`
	ProtocolVersion string     `json:"protocol_version"`
	BindingMode     string     `json:"binding_mode"`
	Objects         ObjectTree `json:"objects"`
}

// RegistrationAck is the host's convenience acknowledgement published to
// resp/reg and resp/update (supplemented feature, grounded on
// lwm2m-server/server.py's registration response echo). Devices may ignore
// it; liveness is still governed by the lifetime timer.
type RegistrationAck struct {
	Status    string `json:"status"`
	Location  string `json:"location"`
	LifetimeS int    `json:"lifetime_s"`
}

// Update is published to <prefix>/<id>/update in single-update mode.
type Update struct {
	DeviceID  string     `json:"device_id"`
	Objects   ObjectTree `json:"objects"`
	Timestamp int64      `json:"timestamp"`
}

// BulkOperation is one entry in a bulk envelope.
type BulkOperation struct {
	Objects   ObjectTree `json:"objects"`
	Timestamp int64      `json:"timestamp"`
}

// BulkEnvelope is published to <prefix>/<id>/bulk in bulk mode (spec.md §4.6,
// §6 "Bulk envelope").
type BulkEnvelope struct {
	DeviceID      string          `json:"device_id"`
	BulkSize      int             `json:"bulk_size"`
	Count         int             `json:"count"`
	BulkOperations []BulkOperation `json:"bulk_operations"`
	Timestamp     int64           `json:"timestamp"`
}

// CommandVerb enumerates the supported MGMT command verbs (spec.md §4.6).
type CommandVerb string

const (
	VerbRead            CommandVerb = "read"
	VerbWrite           CommandVerb = "write"
	VerbExecute         CommandVerb = "execute"
	VerbConfigure       CommandVerb = "configure"
	VerbGetConfiguration CommandVerb = "get_configuration"
)

// Command is the envelope carried on <prefix>/<id>/cmd/<verb> (spec.md §3
// "Command envelope").
type Command struct {
	CommandName   string                 `json:"command_name"`
	Parameters    map[string]interface{} `json:"parameters"`
	CorrelationID string                 `json:"correlation_id"`
	Timestamp     int64                  `json:"timestamp"`
}

// Response mirrors Command with a status/result, published to
// <prefix>/<id>/resp/<verb> (spec.md §3).
type Response struct {
	CorrelationID string                 `json:"correlation_id"`
	Status        string                 `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Timestamp     int64                  `json:"timestamp"`
}

// Status values used in Response.Status.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)
