// Package model holds the typed device state shared by the parsers, the
// aggregator and the action orchestrator.
package model

import "strings"

// TriState is a three-valued switch. The zero value is Unknown.
type TriState int

const (
	Unknown TriState = iota
	Off
	On
)

// ParseTriState maps "true"/"false" (and "1"/"0") to On/Off. Anything else is Unknown.
func ParseTriState(raw string) TriState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1":
		return On
	case "false", "0":
		return Off
	default:
		return Unknown
	}
}

func (s TriState) String() string {
	switch s {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "unknown"
	}
}

// Label renders the state the way the LuCI tables do.
func (s TriState) Label() string {
	switch s {
	case On:
		return "On"
	case Off:
		return "Off"
	default:
		return "-"
	}
}

// MarshalText encodes the state as on/off/unknown.
func (s TriState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts on/off/unknown as well as true/false.
func (s *TriState) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "on", "true", "1":
		*s = On
	case "off", "false", "0":
		*s = Off
	default:
		*s = Unknown
	}
	return nil
}

// SIMValues holds one value per SIM slot. nil means the property was not
// retrieved; a single-SIM device yields one element.
type SIMValues []string

// NewSIMValues splits a comma-bearing raw value into trimmed slot values.
func NewSIMValues(raw string) SIMValues {
	if !strings.Contains(raw, ",") {
		return SIMValues{raw}
	}
	parts := strings.Split(raw, ",")
	values := make(SIMValues, 0, len(parts))
	for _, p := range parts {
		values = append(values, strings.TrimSpace(p))
	}
	return values
}

// At returns the value for slot i and whether it exists.
func (v SIMValues) At(i int) (string, bool) {
	if i < 0 || i >= len(v) {
		return "", false
	}
	return v[i], true
}

// Display returns the value for slot i, or "-" when the slot is missing or blank.
func (v SIMValues) Display(i int) string {
	if val, ok := v.At(i); ok && val != "" {
		return val
	}
	return "-"
}

// StateAt interprets slot i as a boolean property (roaming).
func (v SIMValues) StateAt(i int) TriState {
	val, ok := v.At(i)
	if !ok {
		return Unknown
	}
	return ParseTriState(val)
}

// Storage describes the usage of the shared storage mount.
type Storage struct {
	Size       string `json:"size"`
	Used       string `json:"used"`
	Free       string `json:"free"`
	Percentage string `json:"percentage"`
	Mounted    string `json:"mounted,omitempty"`
}

// Section names a retrieval step; tool-reported failures are keyed by it.
type Section string

const (
	SectionProperties Section = "device"
	SectionSettings   Section = "setting"
	SectionIMEI       Section = "imei01"
	SectionRoute      Section = "ip"
	SectionStorage    Section = "sdcard"
	SectionPackages   Section = "packages"
)

// Snapshot is the merged device state. Pointer and slice fields distinguish
// "not retrieved" (nil) from "retrieved but blank".
type Snapshot struct {
	Device string `json:"device"`

	Operator SIMValues `json:"operator,omitempty"`
	Network  SIMValues `json:"network,omitempty"`
	Roaming  SIMValues `json:"roaming,omitempty"`
	MCC      SIMValues `json:"mcc,omitempty"`
	Driver   *string   `json:"driver,omitempty"`
	SDK      *string   `json:"sdk,omitempty"`

	Airplane TriState `json:"airplane"`
	SIM1Data TriState `json:"sim1"`
	SIM2Data TriState `json:"sim2"`

	MobileData TriState `json:"data"`
	IP         *string  `json:"ip,omitempty"`
	IMEI       *string  `json:"imei,omitempty"`

	Storage  *Storage `json:"storage,omitempty"`
	Packages []string `json:"packages"`

	Diagnostics map[Section]string `json:"diagnostics,omitempty"`
	Conflict    bool               `json:"conflict,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Actionable reports whether the snapshot may drive action enabling.
func (s *Snapshot) Actionable() bool {
	return s != nil && s.Error == "" && !s.Conflict
}

// SetDiagnostic records tool-reported text for a section.
func (s *Snapshot) SetDiagnostic(section Section, text string) {
	if text == "" {
		return
	}
	if s.Diagnostics == nil {
		s.Diagnostics = make(map[Section]string)
	}
	s.Diagnostics[section] = text
}

// Diagnostic returns the tool-reported text for a section, if any.
func (s *Snapshot) Diagnostic(section Section) string {
	if s == nil || s.Diagnostics == nil {
		return ""
	}
	return s.Diagnostics[section]
}

// Clone returns a deep copy suitable for optimistic local mutation.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Operator = cloneValues(s.Operator)
	c.Network = cloneValues(s.Network)
	c.Roaming = cloneValues(s.Roaming)
	c.MCC = cloneValues(s.MCC)
	c.Driver = cloneString(s.Driver)
	c.SDK = cloneString(s.SDK)
	c.IP = cloneString(s.IP)
	c.IMEI = cloneString(s.IMEI)
	if s.Storage != nil {
		st := *s.Storage
		c.Storage = &st
	}
	if s.Packages != nil {
		c.Packages = append(make([]string, 0, len(s.Packages)), s.Packages...)
	}
	if s.Diagnostics != nil {
		c.Diagnostics = make(map[Section]string, len(s.Diagnostics))
		for k, v := range s.Diagnostics {
			c.Diagnostics[k] = v
		}
	}
	return &c
}

// StringValue dereferences an optional string, returning "-" when absent or blank.
func StringValue(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}

func cloneValues(v SIMValues) SIMValues {
	if v == nil {
		return nil
	}
	return append(make(SIMValues, 0, len(v)), v...)
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
