package devutil

// EnumerateSerialPorts lists call-out devices, USB modems first.
func EnumerateSerialPorts() []string {
	return globPorts([]string{"/dev/cu.usbmodem*", "/dev/cu.*"}, darwinIgnoredPorts)
}
