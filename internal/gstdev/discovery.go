package gstdev

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DeviceSpec describes one camera the driver exposes, in index order.
//
// V4L2 has no notion of sync jacks, so cabling comes from configuration.
type DeviceSpec struct {
	Path    string
	Serial  string
	SyncIn  bool
	SyncOut bool
}

var videoNodePattern = regexp.MustCompile(`video(\d+)$`)

// Discover lists capture nodes matching pattern (normally /dev/video*)
// sorted by node number, reading each serial from sysfs under sysRoot.
// Jack state is left unset; elect the master by serial or index.
func Discover(pattern, sysRoot string) ([]DeviceSpec, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("gstdev: scan %s: %w", pattern, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return nodeNumber(matches[i]) < nodeNumber(matches[j])
	})

	var specs []DeviceSpec
	for _, m := range matches {
		if nodeNumber(m) < 0 {
			continue
		}
		// UVC cameras expose a metadata node next to each capture node
		if !isCaptureNode(sysRoot, m) {
			continue
		}
		specs = append(specs, DeviceSpec{Path: m, Serial: ReadSerial(sysRoot, m)})
	}
	return specs, nil
}

func nodeNumber(path string) int {
	sub := videoNodePattern.FindStringSubmatch(path)
	if sub == nil {
		return -1
	}
	n, err := strconv.Atoi(sub[1])
	if err != nil {
		return -1
	}
	return n
}

// isCaptureNode reports whether the node's sysfs index is 0. Nodes without
// sysfs information are kept.
func isCaptureNode(sysRoot, path string) bool {
	data, err := os.ReadFile(filepath.Join(sysRoot, "class/video4linux", filepath.Base(path), "index"))
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) == "0"
}

// ReadSerial returns the USB serial of the device behind a video node, or
// "" when sysfs does not report one.
func ReadSerial(sysRoot, path string) string {
	// videoN/device is the USB interface; its parent carries the serial
	node := filepath.Join(sysRoot, "class/video4linux", filepath.Base(path), "device")
	// Joined by hand: filepath.Join would clean ".." before the symlink resolves
	for _, rel := range []string{"/../serial", "/serial"} {
		data, err := os.ReadFile(node + rel)
		if err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				return s
			}
		}
	}
	return ""
}
