// +build !windows

package devutil

import (
	"path/filepath"
	"sort"
	"strings"
)

var darwinIgnoredPorts = []string{"Bluetooth-", "-SPPDev", "-WirelessiAP", "debug-console"}

// globPorts expands patterns in order, sorting the matches of each one.
// Ports matched by an earlier pattern or containing any of ignore are skipped.
func globPorts(patterns, ignore []string) []string {
	var res []string
	seen := map[string]bool{}
	for _, p := range patterns {
		list, _ := filepath.Glob(p)
		sort.Strings(list)
	next:
		for _, s := range list {
			if seen[s] {
				continue
			}
			for _, ig := range ignore {
				if strings.Contains(s, ig) {
					continue next
				}
			}
			seen[s] = true
			res = append(res, s)
		}
	}
	return res
}

func getDefaultPort() string {
	ports := EnumerateSerialPorts()
	if len(ports) == 0 {
		return ""
	}
	return ports[0]
}
