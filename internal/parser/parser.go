// Package parser turns the text output of adb sub-commands into typed partial
// records. Every parser is pure: it takes the captured stdout and stderr and
// never touches the device. A non-blank stderr produces a record carrying only
// the diagnostic.
package parser

import (
	"regexp"
	"strings"

	"github.com/animegasan/luci-app-droidnet/internal/model"
)

// Property keys read from `getprop`.
const (
	PropOperator = "gsm.operator.alpha"
	PropNetwork  = "gsm.network.type"
	PropDriver   = "gsm.version.ril-impl"
	PropRoaming  = "gsm.operator.isroaming"
	PropMCC      = "gsm.sim.operator.numeric"
	PropSDK      = "ro.build.version.sdk"
)

// Global settings read from `settings list global`.
const (
	SettingAirplane = "airplane_mode_on"
	SettingSIM1Data = "mobile_data1"
	SettingSIM2Data = "mobile_data2"
)

var (
	propertyKeys = []string{PropOperator, PropNetwork, PropDriver, PropRoaming, PropMCC, PropSDK}
	settingKeys  = []string{SettingAirplane, SettingSIM1Data, SettingSIM2Data}

	notFoundPattern = regexp.MustCompile(`device (?:'[^']*' )?not found`)
)

// IsDeviceNotFound reports whether adb complained that the target device is not attached.
func IsDeviceNotFound(text string) bool {
	return notFoundPattern.MatchString(text)
}

func diagnostic(stderr string) string {
	return strings.TrimSpace(stderr)
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// Properties is the partial record produced by `getprop`.
type Properties struct {
	Diagnostic string
	Operator   model.SIMValues
	Network    model.SIMValues
	Driver     *string
	Roaming    model.SIMValues
	MCC        model.SIMValues
	SDK        *string
}

// ParseProperties scans `[key]: [value]` lines for the known keys. Keys that
// do not appear stay absent.
func ParseProperties(stdout, stderr string) Properties {
	if diag := diagnostic(stderr); diag != "" {
		return Properties{Diagnostic: diag}
	}
	var p Properties
	for _, line := range splitLines(stdout) {
		for _, key := range propertyKeys {
			if !strings.Contains(line, "["+key+"]") {
				continue
			}
			raw, ok := bracketValue(line)
			if !ok {
				break
			}
			values := model.NewSIMValues(raw)
			switch key {
			case PropOperator:
				p.Operator = values
			case PropNetwork:
				p.Network = values
			case PropDriver:
				p.Driver = &raw
			case PropRoaming:
				p.Roaming = values
			case PropMCC:
				p.MCC = values
			case PropSDK:
				p.SDK = &raw
			}
			break
		}
	}
	return p
}

// bracketValue extracts the text between `]: [` and the trailing `]`.
func bracketValue(line string) (string, bool) {
	line = strings.TrimRight(line, " \t\r")
	idx := strings.Index(line, "]: [")
	if idx < 0 {
		return "", false
	}
	value := line[idx+len("]: ["):]
	value = strings.TrimSuffix(value, "]")
	return value, true
}

// Settings is the partial record produced by `settings list global`.
type Settings struct {
	Diagnostic string
	Airplane   model.TriState
	SIM1Data   model.TriState
	SIM2Data   model.TriState
	// Raw keeps the normalised values ("0"/"1" become "false"/"true").
	Raw map[string]model.SIMValues
}

// ParseSettings scans `key=value` lines for the known global settings.
func ParseSettings(stdout, stderr string) Settings {
	if diag := diagnostic(stderr); diag != "" {
		return Settings{Diagnostic: diag}
	}
	s := Settings{Raw: make(map[string]model.SIMValues)}
	for _, line := range splitLines(stdout) {
		line = strings.TrimSpace(line)
		for _, key := range settingKeys {
			if !strings.Contains(line, key+"=") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			value := normaliseFlag(parts[1])
			s.Raw[key] = model.NewSIMValues(value)
			state := model.ParseTriState(value)
			switch key {
			case SettingAirplane:
				s.Airplane = state
			case SettingSIM1Data:
				s.SIM1Data = state
			case SettingSIM2Data:
				s.SIM2Data = state
			}
			break
		}
	}
	return s
}

func normaliseFlag(value string) string {
	switch value {
	case "0":
		return "false"
	case "1":
		return "true"
	default:
		return value
	}
}

var quotedToken = regexp.MustCompile(`'([^']+)'`)

// IMEI is the partial record produced by the iphonesubinfo service call.
type IMEI struct {
	Diagnostic string
	Value      *string
}

// ParseIMEI rebuilds the identity number from the quoted tokens of a Parcel
// reply. A reply without tokens leaves the value absent.
func ParseIMEI(stdout, stderr string) IMEI {
	if diag := diagnostic(stderr); diag != "" {
		return IMEI{Diagnostic: diag}
	}
	matches := quotedToken.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return IMEI{}
	}
	var b strings.Builder
	for _, m := range matches {
		b.WriteString(m[1])
	}
	imei := strings.Map(func(r rune) rune {
		if r == '.' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, b.String())
	if imei == "" {
		return IMEI{}
	}
	return IMEI{Value: &imei}
}

// Route is the partial record produced by `ip route`.
type Route struct {
	Diagnostic string
	IP         *string
	MobileData model.TriState
}

// ParseRoute locates the `src` token and reads the local address after it.
//
// Output with a source address means mobile data is on. A tool-reported
// failure leaves the data state unknown, and a successful but empty reply
// means there is no route, so data is off.
func ParseRoute(stdout, stderr string) Route {
	if out := strings.TrimSpace(stdout); out != "" {
		tokens := strings.Fields(out)
		for i, tok := range tokens {
			if tok == "src" && i+1 < len(tokens) {
				ip := tokens[i+1]
				return Route{IP: &ip, MobileData: model.On}
			}
		}
		return Route{}
	}
	if diag := diagnostic(stderr); diag != "" {
		return Route{Diagnostic: diag, MobileData: model.Unknown}
	}
	return Route{MobileData: model.Off}
}

// StorageColumns maps `df -h` header labels to storage fields.
var StorageColumns = map[string]string{
	"Size":    "size",
	"Used":    "used",
	"Avail":   "free",
	"Use%":    "percentage",
	"Mounted": "mounted",
}

// StorageUsage is the partial record produced by `df sdcard -h`.
type StorageUsage struct {
	Diagnostic string
	Usage      *model.Storage
}

// ParseStorage reads the first header line and the data row below it. The
// data cell is taken from the same position as its header label.
func ParseStorage(stdout, stderr string) StorageUsage {
	if diag := diagnostic(stderr); diag != "" {
		return StorageUsage{Diagnostic: diag}
	}
	var lines []string
	for _, line := range splitLines(stdout) {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return StorageUsage{Diagnostic: "storage report has no data row"}
	}
	header := strings.Fields(lines[0])
	data := strings.Fields(lines[1])

	var usage model.Storage
	matched := 0
	for i, label := range header {
		field, ok := StorageColumns[label]
		if !ok {
			continue
		}
		if i >= len(data) {
			return StorageUsage{Diagnostic: "storage report data row is truncated"}
		}
		matched++
		switch field {
		case "size":
			usage.Size = data[i]
		case "used":
			usage.Used = data[i]
		case "free":
			usage.Free = data[i]
		case "percentage":
			usage.Percentage = data[i]
		case "mounted":
			usage.Mounted = data[i]
		}
	}
	if matched == 0 {
		return StorageUsage{Diagnostic: "storage report header not recognised"}
	}
	return StorageUsage{Usage: &usage}
}

const packagePrefix = "package:"

// PackageList is the partial record produced by `pm list packages`.
type PackageList struct {
	Diagnostic string
	Packages   []string
}

// ParsePackages strips the `package:` prefix from each line and drops blank lines.
func ParsePackages(stdout, stderr string) PackageList {
	if diag := diagnostic(stderr); diag != "" {
		return PackageList{Diagnostic: diag}
	}
	packages := make([]string, 0)
	for _, line := range splitLines(stdout) {
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), packagePrefix))
		if name == "" {
			continue
		}
		packages = append(packages, name)
	}
	return PackageList{Packages: packages}
}

// ParseDevices reads `adb devices -l`. The "List of devices attached" header
// and daemon chatter lines are skipped.
func ParseDevices(stdout string) []model.Attached {
	var devices []model.Attached
	for _, line := range splitLines(stdout) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		dev := model.Attached{Serial: parts[0]}
		if len(parts) > 1 {
			dev.State = parts[1]
		}
		for _, part := range parts[1:] {
			key, value, ok := strings.Cut(part, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				dev.Model = value
			case "product":
				dev.Product = value
			case "device":
				dev.Name = value
			case "transport_id":
				dev.TransportID = value
			}
		}
		devices = append(devices, dev)
	}
	return devices
}
