package scanner

import "strings"

// DefaultKeywords match common scanner USB bridge descriptions.
var DefaultKeywords = []string{"scanner", "barcode", "usb serial", "ch340", "cp210", "ftdi"}

// DetectCandidates orders the ports worth trying for a scanner: the default
// port when present, then ports whose description or name matches a keyword,
// then the sole port when exactly one exists.
func DetectCandidates(ports []PortInfo, defaultPort string, keywords []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if defaultPort != "" {
		for _, p := range ports {
			if p.Name == defaultPort {
				add(p.Name)
			}
		}
	}
	for _, p := range ports {
		desc := strings.ToLower(p.Description + " " + p.Name)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(desc, strings.ToLower(kw)) {
				add(p.Name)
				break
			}
		}
	}
	if len(ports) == 1 {
		add(ports[0].Name)
	}
	return out
}

// AutoDetect returns the best scanner candidate, or "" when none fits.
func AutoDetect(ports []PortInfo, defaultPort string, keywords []string) string {
	if c := DetectCandidates(ports, defaultPort, keywords); len(c) > 0 {
		return c[0]
	}
	return ""
}
