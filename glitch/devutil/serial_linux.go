package devutil

// EnumerateSerialPorts lists USB serial ports, CDC ACM devices first.
func EnumerateSerialPorts() []string {
	return globPorts([]string{"/dev/ttyACM*", "/dev/ttyUSB*"}, nil)
}
