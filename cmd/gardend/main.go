//go:build !rp2040 && !rp2350

// Command gardend runs the controller on the host against the simulated
// board, with the HTTP gateway, Prometheus metrics and, when a broker is
// configured, the MQTT bridge.
package main

func main() {
	Execute()
}
