// Package syncserver implements the passive side of gossip sync: an
// accept loop that spawns one handler per connection, each processing
// the peer's handshake and then a sequence of request/response
// exchanges until the connection closes or a protocol violation occurs.
package syncserver

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/merge"
	"github.com/gossipdb/gossipdb/internal/metrics"
	"github.com/gossipdb/gossipdb/internal/storage"
	"github.com/gossipdb/gossipdb/internal/transport"
)

// SupportedCompression is advertised to every connecting peer when
// compression is enabled.
var SupportedCompression = []string{"brotli"}

// Server accepts inbound sync connections and answers GetClockReq,
// PullChangesReq, and PushChangesReq against a local store and merge
// engine. It never initiates a message of its own.
type Server struct {
	nodeID      string
	authToken   string
	secureMode  bool
	compression []string
	store       storage.Store
	clock       hlc.Source
	merger      *merge.Engine
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New creates a Server. secureMode fixes whether this listener demands
// or forbids the ECDH handshake exchange for every connection it
// accepts — the mode is a fixed property of the listener, never
// negotiated per connection. When compressionEnabled is false no
// compression algorithm is advertised to peers, so every accepted
// session stays uncompressed. logger and m may be nil.
func New(nodeID, authToken string, secureMode, compressionEnabled bool, store storage.Store, clock hlc.Source, merger *merge.Engine, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	var compression []string
	if compressionEnabled {
		compression = SupportedCompression
	}
	return &Server{
		nodeID: nodeID, authToken: authToken, secureMode: secureMode, compression: compression,
		store: store, clock: clock, merger: merger, logger: logger, metrics: m,
	}
}

// Serve accepts connections on ln until ctx is cancelled, spawning one
// handler goroutine per connection. It returns when ctx is cancelled or
// the listener is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("sync server accept loop starting", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("sync server accept loop stopped")
				return nil
			}
			s.logger.Warn("sync server accept error, continuing", zap.Error(err))
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess, err := transport.AcceptHandshake(conn, s.nodeID, s.authToken, s.compression, s.secureMode)
	if err != nil {
		s.logger.Warn("sync server handshake failed", zap.Error(err))
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("syncserver_handshake").Inc()
		}
		return
	}

	s.logger.Debug("sync server handshake accepted", zap.String("peer", sess.PeerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.handleOne(ctx, sess); err != nil {
			s.logger.Debug("sync server connection ended", zap.String("peer", sess.PeerID), zap.Error(err))
			return
		}
	}
}

// handleOne processes exactly one request/response exchange.
func (s *Server) handleOne(ctx context.Context, sess *transport.Session) error {
	msgType, payload, err := sess.Receive()
	if err != nil {
		return err
	}

	switch msgType {
	case transport.TypeGetClockReq:
		return s.handleGetClock(ctx, sess)
	case transport.TypePullChangesReq:
		return s.handlePullChanges(ctx, sess, payload)
	case transport.TypePushChangesReq:
		return s.handlePushChanges(ctx, sess, payload)
	default:
		return fmt.Errorf("syncserver: unexpected message type %s", msgType)
	}
}

func (s *Server) handleGetClock(ctx context.Context, sess *transport.Session) error {
	max, err := s.store.GetLatestTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("syncserver: load latest oplog timestamp: %w", err)
	}
	res := transport.ClockRes{HlcWall: max.Wall, HlcLogical: max.Logical, HlcNode: max.Node}
	payload, err := transport.EncodeRecord(res)
	if err != nil {
		return err
	}
	return sess.Send(transport.TypeClockRes, payload)
}

func (s *Server) handlePullChanges(ctx context.Context, sess *transport.Session, payload []byte) error {
	var req transport.PullChangesReq
	if err := transport.DecodeRecord(payload, &req); err != nil {
		return err
	}
	since := hlc.Timestamp{Wall: req.SinceWall, Logical: req.SinceLogical, Node: req.SinceNode}

	entries, err := s.store.GetOplogAfter(ctx, since)
	if err != nil {
		return fmt.Errorf("syncserver: load oplog since %v: %w", since, err)
	}

	res := transport.ChangeSetRes{Entries: transport.ToWireEntries(entries)}
	respPayload, err := transport.EncodeRecord(res)
	if err != nil {
		return err
	}
	return sess.Send(transport.TypeChangeSetRes, respPayload)
}

func (s *Server) handlePushChanges(ctx context.Context, sess *transport.Session, payload []byte) error {
	var req transport.PushChangesReq
	if err := transport.DecodeRecord(payload, &req); err != nil {
		return err
	}

	entries := transport.FromWireEntries(req.Entries)
	ok := true
	if err := s.merger.ApplyBatch(ctx, entries); err != nil {
		s.logger.Warn("syncserver: merge engine rejected pushed batch", zap.Error(err))
		ok = false
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("syncserver_merge").Inc()
		}
	}

	res := transport.AckRes{Success: ok}
	respPayload, err := transport.EncodeRecord(res)
	if err != nil {
		return err
	}
	return sess.Send(transport.TypeAckRes, respPayload)
}
