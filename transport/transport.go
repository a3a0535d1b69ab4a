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

// Package transport delivers messages between peers over TCP and discovers
// peers over UDP. It never touches ledger or node state directly: every
// inbound message is handed to a callback supplied at construction, and
// every node-state read it needs (the peer set) is its own.
package transport

import (
	"fmt"
	"io/ioutil"
	"net"
	"sync"

	"go.uber.org/zap"

	"duskchain/message"
)

// Peer identifies a node by its TCP endpoint.
type Peer struct {
	Host string
	Port int
}

// Endpoint renders p as "host:port", the form used for leader election.
func (p Peer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Transport is the interface node.Node depends on for peer delivery and
// discovery; TCPTransport is the one concrete implementation shipped.
type Transport interface {
	// Broadcast sends env to every known peer, logging and skipping any
	// peer it cannot reach.
	Broadcast(env message.Envelope)
	// SendTo sends env to a single peer.
	SendTo(peer Peer, env message.Envelope) error
	// Listen starts accepting inbound connections and discovery traffic.
	// It blocks until the listener is closed.
	Listen() error
	// Peers returns a best-effort snapshot of the known peer set.
	Peers() []Peer
	// AddPeer folds a peer into the known set, e.g. a manually configured
	// bootstrap peer.
	AddPeer(p Peer)
	// RemovePeer drops a peer from the known set, on DISCONNECT.
	RemovePeer(p Peer)
	// Close shuts down the listener and discovery sockets.
	Close() error
}

// TCPTransport reads one message per connection (until the peer closes its
// send half, exactly as the teacher's handleConn) and answers UDP discovery
// beacons.
type TCPTransport struct {
	selfHost string
	selfPort int

	onMessage func(message.Envelope)
	logger    *zap.SugaredLogger

	listener net.Listener

	peersMu sync.RWMutex
	peers   map[Peer]struct{}

	discoveryPort int
	discoveryConn *net.UDPConn
	stopDiscovery chan struct{}
}

// NewTCPTransport builds a transport bound to host:port. onMessage is
// invoked once per decoded inbound envelope; it must not block for long, as
// it runs on the accept goroutine's connection handler.
func NewTCPTransport(host string, port, discoveryPort int, onMessage func(message.Envelope), logger *zap.SugaredLogger) *TCPTransport {
	return &TCPTransport{
		selfHost:      host,
		selfPort:      port,
		onMessage:     onMessage,
		logger:        logger,
		peers:         make(map[Peer]struct{}),
		discoveryPort: discoveryPort,
		stopDiscovery: make(chan struct{}),
	}
}

// Listen opens the TCP listener and starts the discovery listener and
// presence broadcaster, then blocks accepting connections.
func (t *TCPTransport) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.selfHost, t.selfPort))
	if err != nil {
		return err
	}
	t.listener = listener

	if err := t.startDiscoveryListener(); err != nil {
		t.logger.Errorw("discovery listener failed to start", "error", err)
	}
	go t.broadcastPresence()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go t.handleConn(conn)
	}
}

// Close shuts down the TCP listener and the discovery socket.
func (t *TCPTransport) Close() error {
	close(t.stopDiscovery)
	if t.discoveryConn != nil {
		t.discoveryConn.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	raw, err := ioutil.ReadAll(conn)
	if err != nil {
		t.logger.Warnw("read inbound connection", "error", err)
		return
	}
	env, err := message.Decode(raw)
	if err != nil {
		t.logger.Warnw("decode inbound message, discarding", "error", err)
		return
	}
	t.onMessage(env)
}

// Broadcast iterates a snapshot of the peer set and logs-and-continues any
// per-peer send failure, per the spec's transport error policy.
func (t *TCPTransport) Broadcast(env message.Envelope) {
	for _, peer := range t.Peers() {
		if err := t.SendTo(peer, env); err != nil {
			t.logger.Warnw("broadcast to peer failed, continuing", "peer", peer.Endpoint(), "error", err)
		}
	}
}

// SendTo dials peer and writes env, closing the connection once the message
// is written (the receiving handleConn reads until close).
func (t *TCPTransport) SendTo(peer Peer, env message.Envelope) error {
	raw, err := message.Encode(env)
	if err != nil {
		return err
	}
	conn, err := net.Dial("tcp", peer.Endpoint())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(raw)
	return err
}

// Peers returns a best-effort snapshot of the current peer set.
func (t *TCPTransport) Peers() []Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

// AddPeer folds a newly discovered peer into the set.
func (t *TCPTransport) AddPeer(p Peer) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[p] = struct{}{}
}

// RemovePeer drops p from the set, per DISCONNECT handling.
func (t *TCPTransport) RemovePeer(p Peer) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, p)
}
