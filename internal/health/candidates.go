package health

import "github.com/dharsanguruparan/PackCam/internal/scanner"

// CameraCandidates lists the indices to try when the camera drops: the
// current index first, then the configured default.
func CameraCandidates(current int, haveCurrent bool, defaultIndex int) []int {
	if haveCurrent && current != defaultIndex {
		return []int{current, defaultIndex}
	}
	return []int{defaultIndex}
}

// ScannerCandidates lists the ports to try when the scanner drops. The
// configured default and the last good port come first; when enumeration
// found ports, those two are only tried if present. Auto-detected ports
// follow when enabled.
func ScannerCandidates(defaultPort, lastPort string, available []scanner.PortInfo, autoDetect bool, keywords []string) []string {
	present := make(map[string]bool, len(available))
	for _, p := range available {
		present[p.Name] = true
	}
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		if len(available) > 0 && !present[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(defaultPort)
	add(lastPort)
	if autoDetect {
		for _, name := range scanner.DetectCandidates(available, defaultPort, keywords) {
			add(name)
		}
	}
	return out
}
