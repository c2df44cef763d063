// Package discovery implements the UDP beacon that lets nodes find each
// other on a local network without any external coordination service: a
// periodic broadcast announcing this node's address, and a listener that
// folds received beacons into the Peer Directory.
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gossipdb/gossipdb/internal/metrics"
	"github.com/gossipdb/gossipdb/internal/peer"
)

const (
	// Port is the well-known UDP port beacons are broadcast to and
	// listened for on.
	Port = 5000
	// BeaconInterval is how often this node broadcasts its own beacon.
	BeaconInterval = 5 * time.Second
)

// beacon is the wire payload, JSON-encoded with snake_case field names
// for cross-implementation compatibility.
type beacon struct {
	NodeID  string `json:"node_id"`
	TCPPort int    `json:"tcp_port"`
}

// Service runs the beacon emitter and listener for one node.
type Service struct {
	nodeID  string
	tcpPort int
	dir     *peer.Directory
	logger  *zap.Logger
	metrics *metrics.Metrics

	broadcastAddr string // e.g. "255.255.255.255:5000"
	listenAddr    string // e.g. "0.0.0.0:5000"

	// LoopbackOverride, when true, substitutes 127.0.0.1 for the sender's
	// address on every received beacon. Intended for single-host test
	// clusters where broadcast packets otherwise arrive with a LAN
	// interface address unreachable from the same host's other processes.
	LoopbackOverride bool
}

// New creates a discovery Service for nodeID, which serves its sync
// transport on tcpPort. broadcastAddr is the network's broadcast address
// (e.g. "255.255.255.255"); listenAddr is the local bind address (e.g.
// "0.0.0.0"). logger and m may be nil.
func New(nodeID string, tcpPort int, broadcastAddr, listenAddr string, dir *peer.Directory, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		nodeID:        nodeID,
		tcpPort:       tcpPort,
		dir:           dir,
		logger:        logger,
		metrics:       m,
		broadcastAddr: net.JoinHostPort(broadcastAddr, strconv.Itoa(Port)),
		listenAddr:    net.JoinHostPort(listenAddr, strconv.Itoa(Port)),
	}
}

// Run starts both the beacon emitter and listener and blocks until ctx is
// cancelled. Either loop logs and continues on transient errors; neither
// ever aborts the other.
func (s *Service) Run(ctx context.Context) error {
	conn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.emitLoop(ctx)
	}()

	s.listenLoop(ctx, conn)
	<-done
	return nil
}

func (s *Service) listen(ctx context.Context) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, "udp4", s.listenAddr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func (s *Service) emitLoop(ctx context.Context) {
	ticker := time.NewTicker(BeaconInterval)
	defer ticker.Stop()

	s.logger.Info("discovery beacon emitter starting",
		zap.String("broadcast_addr", s.broadcastAddr),
		zap.Duration("interval", BeaconInterval))

	for {
		select {
		case <-ticker.C:
			s.emitOnce()
		case <-ctx.Done():
			s.logger.Info("discovery beacon emitter stopped")
			return
		}
	}
}

func (s *Service) emitOnce() {
	payload, err := json.Marshal(beacon{NodeID: s.nodeID, TCPPort: s.tcpPort})
	if err != nil {
		s.logger.Warn("failed to encode discovery beacon", zap.Error(err))
		return
	}

	raddr, err := net.ResolveUDPAddr("udp4", s.broadcastAddr)
	if err != nil {
		s.logger.Warn("failed to resolve broadcast address", zap.Error(err))
		return
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		s.logger.Warn("failed to dial broadcast address", zap.Error(err))
		return
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		s.logger.Warn("failed to send discovery beacon", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.BeaconsSent.Inc()
	}
}

func (s *Service) listenLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 2048)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("discovery beacon listener stopped")
				return
			}
			s.logger.Warn("discovery listener read error, continuing", zap.Error(err))
			continue
		}
		s.handleBeacon(buf[:n], addr)
	}
}

func (s *Service) handleBeacon(data []byte, from *net.UDPAddr) {
	var b beacon
	if err := json.Unmarshal(data, &b); err != nil {
		s.logger.Warn("dropping malformed discovery beacon", zap.Error(err), zap.String("from", from.String()))
		return
	}
	if b.NodeID == "" || b.NodeID == s.nodeID {
		return
	}

	host := from.IP.String()
	if s.LoopbackOverride {
		host = "127.0.0.1"
	}

	if s.metrics != nil {
		s.metrics.BeaconsRecv.Inc()
	}
	s.dir.Upsert(b.NodeID, net.JoinHostPort(host, strconv.Itoa(b.TCPPort)))
}
