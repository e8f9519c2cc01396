// Package main provides CLI commands for sleepd.
// This file centralizes address selection for local CLI commands.
package main

import (
	"fmt"
	"io"
)

// Function-variable seams so tests can stub interface detection.
var (
	getTailscaleIP         = GetTailscaleIP
	getPreferredOutboundIP = GetPreferredOutboundIP
)

func resolveAddrCandidates(addr string, port int, explicitPort bool, stderr io.Writer) []string {
	if addr != "" {
		if explicitPort {
			fmt.Fprintf(stderr, "Warning: --addr overrides --port; using %s\n", addr)
		}
		return []string{addr}
	}

	return defaultAddrCandidates(port)
}

func defaultAddrCandidates(port int) []string {
	portStr := fmt.Sprintf("%d", port)
	addrs := []string{"127.0.0.1:" + portStr}
	if ip := getTailscaleIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	if ip := getPreferredOutboundIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	return addrs
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
