package imagesync

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps a filename pattern to a device kind. Rules are checked in
// order; the first match wins.
type Rule struct {
	Pattern string
	Device  string
}

// keywordTable is the fixed fallback when no configured rule matches.
// Checked in slice order so detection stays deterministic.
var keywordTable = []struct {
	keyword string
	device  string
}{
	{"ceos", "arista_ceos"},
	{"veos", "arista_veos"},
	{"vmx", "juniper_vmx"},
	{"vsrx", "juniper_vsrx"},
	{"vqfx", "juniper_vqfx"},
	{"xrv9k", "cisco_xrv9k"},
	{"xrv", "cisco_xrv"},
	{"csr", "cisco_csr1000v"},
	{"cat8000v", "cisco_cat8000v"},
	{"n9kv", "cisco_n9kv"},
	{"sros", "nokia_sros"},
	{"srlinux", "nokia_srlinux"},
	{"vyos", "vyos"},
	{"frr", "frr"},
}

// versionPattern extracts dotted numeric tokens such as 4.28.3M or 20.2R1.
var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+[A-Za-z0-9]*`)

// Detector identifies the device kind and software version encoded in an
// artifact filename.
type Detector struct {
	rules []compiledRule
}

type compiledRule struct {
	re     *regexp.Regexp
	device string
}

// NewDetector compiles the configured ordered rule set. An invalid pattern
// is a configuration error and fails construction.
func NewDetector(rules []Rule) (*Detector, error) {
	d := &Detector{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid detection rule %q: %w", r.Pattern, err)
		}
		d.rules = append(d.rules, compiledRule{re: re, device: r.Device})
	}
	return d, nil
}

// Detect returns the device kind and version found in a filename. The
// version is extracted independently and attached even when no device
// matched; either value may be empty.
func (d *Detector) Detect(filename string) (device, version string) {
	lower := strings.ToLower(filename)
	for _, r := range d.rules {
		if r.re.MatchString(lower) {
			device = r.device
			break
		}
	}
	if device == "" {
		for _, k := range keywordTable {
			if strings.Contains(lower, k.keyword) {
				device = k.device
				break
			}
		}
	}
	version = versionPattern.FindString(filename)
	return device, version
}
