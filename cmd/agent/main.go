// Command agent is the host-side device provider: it discovers
// USB-attached Android and iOS devices, prepares each one for remote
// automation, and advertises them to an upstream platform over a
// heartbeat WebSocket and a local HTTP surface.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
