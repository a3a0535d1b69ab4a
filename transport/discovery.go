// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	discoveryProbe       = "DISCOVER"
	discoveryPeriod      = 5 * time.Second
	discoveryReadTimeout = 2 * time.Second
)

// startDiscoveryListener opens the UDP socket that answers DISCOVER probes
// with this node's own host:port, and folds incoming replies from other
// nodes' broadcasters into the peer set.
func (t *TCPTransport) startDiscoveryListener() error {
	addr := &net.UDPAddr{Port: t.discoveryPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	t.discoveryConn = conn

	go func() {
		buf := make([]byte, 256)
		for {
			select {
			case <-t.stopDiscovery:
				return
			default:
			}
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			t.handleDiscoveryPacket(buf[:n], from, conn)
		}
	}()
	return nil
}

func (t *TCPTransport) handleDiscoveryPacket(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
	msg := string(data)
	switch {
	case msg == discoveryProbe:
		reply := fmt.Sprintf("%s:%d", t.selfHost, t.selfPort)
		conn.WriteToUDP([]byte(reply), from)
	default:
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(msg))
		if err != nil {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return
		}
		peer := Peer{Host: host, Port: port}
		if peer.Host == t.selfHost && peer.Port == t.selfPort {
			return
		}
		t.AddPeer(peer)
	}
}

// broadcastPresence periodically sends a DISCOVER probe to the discovery
// port's broadcast address and folds replies into the peer set, ignoring
// its own reply.
func (t *TCPTransport) broadcastPresence() {
	ticker := time.NewTicker(discoveryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopDiscovery:
			return
		case <-ticker.C:
			t.probeOnce()
		}
	}
}

func (t *TCPTransport) probeOnce() {
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: t.discoveryPort}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.WriteToUDP([]byte(discoveryProbe), broadcastAddr)
	conn.SetReadDeadline(time.Now().Add(discoveryReadTimeout))

	buf := make([]byte, 256)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		reply := strings.TrimSpace(string(buf[:n]))
		if reply == discoveryProbe {
			continue
		}
		host, portStr, err := net.SplitHostPort(reply)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		peer := Peer{Host: host, Port: port}
		if peer.Host == t.selfHost && peer.Port == t.selfPort {
			continue
		}
		t.AddPeer(peer)
	}
}
