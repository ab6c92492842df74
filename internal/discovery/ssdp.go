// Package discovery finds DLNA MediaRenderers on the local network via
// SSDP: active M-SEARCH sweeps on a schedule plus a passive multicast
// listener for NOTIFY alive/byebye announcements.
package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	ssdpAddr   = "239.255.255.250:1900"
	ssdpTarget = "urn:schemas-upnp-org:device:MediaRenderer:1"
)

// Device is one SSDP sighting: where the description lives and who sent it.
type Device struct {
	Location string
	Endpoint string
	USN      string
	Headers  map[string]string
}

// Discover performs an SSDP M-SEARCH for MediaRenderers with multi-pass
// behavior, deduplicating responses by USN.
func Discover(ctx context.Context, portRange string, passes int, passInterval, timeout time.Duration) ([]Device, error) {
	conn, err := listenInRange(portRange)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, err
	}

	responses := make(map[string]Device)

	for pass := 0; pass < passes; pass++ {
		if err := sendSearch(conn, addr); err != nil {
			return nil, err
		}
		if pass < passes-1 {
			select {
			case <-ctx.Done():
				return mapToSlice(responses), ctx.Err()
			case <-time.After(passInterval):
			}
		}
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	buf := make([]byte, 2048)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return mapToSlice(responses), err
		}

		dev := parseMessage(string(buf[:n]))
		if dev.Location == "" || dev.USN == "" {
			continue
		}
		dev.Endpoint = hostOnly(raddr.String())

		if _, exists := responses[dev.USN]; !exists {
			responses[dev.USN] = dev
		}
	}

	return mapToSlice(responses), nil
}

// listenInRange binds a UDP socket inside the configured port range,
// falling back to an ephemeral port when the range is exhausted or unset.
func listenInRange(portRange string) (net.PacketConn, error) {
	lo, hi, ok := parsePortRange(portRange)
	if ok {
		for port := lo; port <= hi; port++ {
			conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
			if err == nil {
				return conn, nil
			}
		}
	}
	return net.ListenPacket("udp4", ":0")
}

func parsePortRange(portRange string) (int, int, bool) {
	parts := strings.SplitN(strings.TrimSpace(portRange), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || lo <= 0 || hi < lo || hi > 65535 {
		return 0, 0, false
	}
	return lo, hi, true
}

func sendSearch(conn net.PacketConn, addr *net.UDPAddr) error {
	msg := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + ssdpAddr,
		"MAN: \"ssdp:discover\"",
		"MX: 2",
		"ST: " + ssdpTarget,
		"",
		"",
	}, "\r\n")

	_, err := conn.WriteTo([]byte(msg), addr)
	return err
}

// parseMessage handles both M-SEARCH responses and NOTIFY announcements;
// the header block is the same shape either way.
func parseMessage(raw string) Device {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	headers := make(map[string]string)

	// Skip status line
	if scanner.Scan() {
		// no-op
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = value
	}

	return Device{
		Location: headers["LOCATION"],
		USN:      headers["USN"],
		Headers:  headers,
	}
}

func mapToSlice(responses map[string]Device) []Device {
	result := make([]Device, 0, len(responses))
	for _, r := range responses {
		result = append(result, r)
	}
	return result
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
