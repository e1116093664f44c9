// Package description implements the device-description loader (C10):
// parsing an FDI-shaped XML document into a typed in-memory model, and
// answering C11's "is this parameter writable" question (spec.md §4.10).
//
// Grounded on original_source/fdi/fdi-device-driver/fdi_driver.py's
// dual-lookup `_get_text` helper (try the namespaced element, fall back to
// the bare tag) and fdi-local/server/fdi_communication_server.py's
// parse_fdi_writable_parameters. Go's encoding/xml already matches a
// struct tag like `xml:"DeviceIdentity"` against both a namespaced element
// (`fdi:DeviceIdentity`) and an unprefixed one, as long as the tag itself
// asserts no namespace — so the dual-lookup the Python driver hand-rolls
// is the decoder's default behavior here, not an extra code path.
package description

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Document is the raw decoded shape of a description XML document
// (spec.md §4.10).
type Document struct {
	XMLName       xml.Name      `xml:"Device"`
	Identity      Identity      `xml:"DeviceIdentity"`
	Capabilities  Capabilities  `xml:"DeviceCapabilities"`
	Configuration Configuration `xml:"DeviceConfiguration"`
}

// Identity mirrors fdi_driver.py's FDIDevicePackage identity fields.
type Identity struct {
	DeviceType         string `xml:"DeviceType"`
	DeviceRevision     string `xml:"DeviceRevision"`
	DeviceManufacturer string `xml:"DeviceManufacturer"`
	DeviceModel        string `xml:"DeviceModel"`
	DeviceSerialNumber string `xml:"DeviceSerialNumber"`
	DeviceVersion      string `xml:"DeviceVersion"`
	DeviceDescription  string `xml:"DeviceDescription"`
}

// Capabilities groups the three capability sections spec.md §4.10 names.
type Capabilities struct {
	Parameters []Parameter `xml:"DeviceParameters>Parameter"`
	Functions  []Function  `xml:"DeviceFunctions>Function"`
	Commands   []Command   `xml:"DeviceCommands>Command"`
}

// Parameter is one entry of DeviceCapabilities/DeviceParameters (spec.md
// §4.10 "parameters"), or a nested parameter of a Function/Command.
type Parameter struct {
	Name      string `xml:"name,attr"`
	Type      string `xml:"type,attr"`
	Units     string `xml:"units,attr"`
	Default   string `xml:"default,attr"`
	Mandatory bool   `xml:"mandatory,attr"`
	Range     string `xml:"range,attr"`
}

// RangeMinMax parses the "min-max" Range attribute, mirroring fdi_driver.py's
// range_attr.split("-") handling. ok is false when Range is absent or not a
// two-part numeric range.
func (p Parameter) RangeMinMax() (min, max float64, ok bool) {
	parts := strings.SplitN(p.Range, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, errLo := strconv.ParseFloat(parts[0], 64)
	hi, errHi := strconv.ParseFloat(parts[1], 64)
	if errLo != nil || errHi != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// Function is one DeviceCapabilities/DeviceFunctions/Function entry.
type Function struct {
	Name        string      `xml:"name,attr"`
	Category    string      `xml:"category,attr"`
	Description string      `xml:"Description"`
	Parameters  []Parameter `xml:"Parameter"`
}

// Command is one DeviceCapabilities/DeviceCommands/Command entry.
type Command struct {
	Name        string      `xml:"name,attr"`
	Description string      `xml:"description,attr"`
	Parameters  []Parameter `xml:"Parameter"`
}

// Configuration holds the device's configuration templates.
type Configuration struct {
	Templates []Template `xml:"ConfigurationTemplates>Template"`
}

// Template is one ConfigurationTemplates/Template entry.
type Template struct {
	Name        string    `xml:"name,attr"`
	Description string    `xml:"Description"`
	Settings    []Setting `xml:"Settings>Setting"`
}

// Setting is one Template/Settings/Setting entry.
type Setting struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Units string `xml:"units,attr"`
}

// TypedValue converts Value the same way fdi_communication_server.py's
// parse_fdi_writable_parameters does: bool, then int, then float, else the
// raw string.
func (s Setting) TypedValue() interface{} {
	switch strings.ToLower(s.Value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s.Value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s.Value, 64); err == nil {
		return f
	}
	return s.Value
}

// ParamInfo is one writable-parameter entry surfaced by
// ParseDescriptionWritableParameters (spec.md §4.11).
type ParamInfo struct {
	Type     string `json:"type"`
	Units    string `json:"units,omitempty"`
	Range    string `json:"range,omitempty"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// FunctionWritable is one entry of WritableParameters.Functions.
type FunctionWritable struct {
	Category    string               `json:"category"`
	Description string               `json:"description"`
	Parameters  map[string]ParamInfo `json:"parameters"`
}

// CommandWritable is one entry of WritableParameters.Commands.
type CommandWritable struct {
	Description string               `json:"description"`
	Parameters  map[string]ParamInfo `json:"parameters"`
}

// TemplateWritable is one entry of WritableParameters.Templates.
// Templates are informational only: they never grant writability by
// themselves (spec.md §9 supplement, recorded in DESIGN.md).
type TemplateWritable struct {
	Description string                 `json:"description"`
	Settings    map[string]interface{} `json:"settings"`
}

// WritableParameters is the result of ParseDescriptionWritableParameters
// (spec.md §4.11), grouping every command/function parameter and every
// template setting by owner.
type WritableParameters struct {
	Functions map[string]FunctionWritable `json:"functions"`
	Commands  map[string]CommandWritable  `json:"commands"`
	Templates map[string]TemplateWritable `json:"templates"`
}

// Description is a parsed document plus its precomputed writable-parameter
// index, satisfying internal/mgmt/device.Validator.
type Description struct {
	Doc      Document
	Writable WritableParameters

	writable map[string]struct{}
}

// Parse decodes a description document from r.
func Parse(r io.Reader) (*Description, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("description: decode: %w", err)
	}
	return newDescription(doc), nil
}

// Load reads and parses a description document from path.
func Load(path string) (*Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("description: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func newDescription(doc Document) *Description {
	wp := WritableParameters{
		Functions: map[string]FunctionWritable{},
		Commands:  map[string]CommandWritable{},
		Templates: map[string]TemplateWritable{},
	}
	writable := map[string]struct{}{}

	for _, fn := range doc.Capabilities.Functions {
		params := map[string]ParamInfo{}
		for _, p := range fn.Parameters {
			params[p.Name] = ParamInfo{Type: p.Type, Units: p.Units, Range: p.Range, Default: p.Default}
			writable[p.Name] = struct{}{}
		}
		wp.Functions[fn.Name] = FunctionWritable{Category: fn.Category, Description: fn.Description, Parameters: params}
	}

	for _, cmd := range doc.Capabilities.Commands {
		params := map[string]ParamInfo{}
		for _, p := range cmd.Parameters {
			params[p.Name] = ParamInfo{Type: p.Type, Default: p.Default, Required: p.Mandatory}
			writable[p.Name] = struct{}{}
		}
		wp.Commands[cmd.Name] = CommandWritable{Description: cmd.Description, Parameters: params}
	}

	for _, tmpl := range doc.Configuration.Templates {
		settings := map[string]interface{}{}
		for _, s := range tmpl.Settings {
			settings[s.Name] = s.TypedValue()
		}
		wp.Templates[tmpl.Name] = TemplateWritable{Description: tmpl.Description, Settings: settings}
	}

	return &Description{Doc: doc, Writable: wp, writable: writable}
}

// IsWritable reports whether name appears as a parameter of any command or
// function (spec.md §4.10: "true iff param_name appears in any
// commands[*].parameters or functions[*].parameters"). Template settings are
// deliberately excluded — they configure a device, they do not declare
// which runtime parameters an operator may set.
func (d *Description) IsWritable(name string) bool {
	_, ok := d.writable[name]
	return ok
}

// Store holds parsed descriptions keyed by device type, loaded at process
// startup from the configured description-document path(s) (spec.md §6
// "description-document path (for the INTEGRATION broker)").
type Store struct {
	mu     sync.RWMutex
	byType map[string]*Description
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{byType: make(map[string]*Description)}
}

// LoadFile parses path and registers it under its own DeviceType.
func (s *Store) LoadFile(path string) (*Description, error) {
	desc, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.byType[desc.Doc.Identity.DeviceType] = desc
	s.mu.Unlock()
	return desc, nil
}

// Get returns the description registered for deviceType, if any.
func (s *Store) Get(deviceType string) (*Description, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byType[deviceType]
	return d, ok
}
