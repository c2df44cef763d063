// Package transport implements the custom binary sync protocol nodes use
// to exchange clocks and oplog batches: a length-prefixed frame format
// with optional Brotli compression and an optional AES-GCM secure
// envelope on top, plus the typed request/response records carried
// inside each frame.
package transport

import (
	"github.com/gossipdb/gossipdb/internal/hlc"
	"github.com/gossipdb/gossipdb/internal/storage"
)

// MessageType identifies the payload carried by a frame. The set is
// closed; an unrecognized type is a protocol violation that terminates
// the connection.
type MessageType uint8

const (
	TypeHandshakeReq MessageType = iota + 1
	TypeHandshakeRes
	TypeGetClockReq
	TypeClockRes
	TypePullChangesReq
	TypeChangeSetRes
	TypePushChangesReq
	TypeAckRes
	TypeSecureEnv
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshakeReq:
		return "HandshakeReq"
	case TypeHandshakeRes:
		return "HandshakeRes"
	case TypeGetClockReq:
		return "GetClockReq"
	case TypeClockRes:
		return "ClockRes"
	case TypePullChangesReq:
		return "PullChangesReq"
	case TypeChangeSetRes:
		return "ChangeSetRes"
	case TypePushChangesReq:
		return "PushChangesReq"
	case TypeAckRes:
		return "AckRes"
	case TypeSecureEnv:
		return "SecureEnv"
	default:
		return "Unknown"
	}
}

// flagCompressed marks bit 0 of a frame's flags byte: the payload was
// Brotli-compressed by the sender.
const flagCompressed uint8 = 1 << 0

// CompressionThreshold is the minimum payload size, in bytes, before a
// sender bothers compressing it.
const CompressionThreshold = 1024

// HandshakeReq opens a session: the initiator's identity, its auth
// token, and the compression algorithms it supports.
type HandshakeReq struct {
	NodeID               string
	AuthToken            string
	SupportedCompression []string
	// ECDHPublicKey carries the initiator's ephemeral P-256 public key
	// (uncompressed SEC1 encoding) when secure mode is requested. Empty
	// when the session is plaintext.
	ECDHPublicKey []byte
}

// HandshakeRes answers a HandshakeReq.
type HandshakeRes struct {
	NodeID              string
	Accepted            bool
	SelectedCompression string
	// ECDHPublicKey carries the responder's ephemeral P-256 public key
	// when the request carried one; both sides then derive the same
	// session key independently.
	ECDHPublicKey []byte
}

// GetClockReq asks the peer for its current oplog watermark.
type GetClockReq struct{}

// ClockRes reports the responder's Oplog.Max().
type ClockRes struct {
	HlcWall    int64
	HlcLogical int32
	HlcNode    string
}

// PullChangesReq asks for every oplog entry strictly after Since.
type PullChangesReq struct {
	SinceWall    int64
	SinceLogical int32
	SinceNode    string
}

// ChangeSetRes carries the requested oplog entries.
type ChangeSetRes struct {
	Entries []ProtoOplogEntry
}

// PushChangesReq streams locally-known entries the peer is missing.
type PushChangesReq struct {
	Entries []ProtoOplogEntry
}

// AckRes acknowledges a PushChangesReq.
type AckRes struct {
	Success bool
}

// ProtoOplogEntry is the wire representation of storage.OplogEntry.
// Operation is "Put" or "Delete"; JSONData is nil for a Delete.
type ProtoOplogEntry struct {
	Collection string
	Key        string
	Operation  string
	JSONData   []byte
	HlcWall    int64
	HlcLogical int32
	HlcNode    string
}

// SecureEnv wraps an encrypted inner frame `[type][flags][payload]`.
// Sent as a frame of type TypeSecureEnv with flags=0; the inner flags
// byte (compression) travels inside the ciphertext.
type SecureEnv struct {
	Ciphertext []byte
	Nonce      []byte
}

// ToWireEntries converts storage oplog entries to their wire
// representation, shared by syncserver and orchestrator so both sides of
// the protocol encode entries identically.
func ToWireEntries(entries []storage.OplogEntry) []ProtoOplogEntry {
	out := make([]ProtoOplogEntry, len(entries))
	for i, e := range entries {
		out[i] = ProtoOplogEntry{
			Collection: e.Collection,
			Key:        e.Key,
			Operation:  e.Op.String(),
			JSONData:   e.Body,
			HlcWall:    e.Timestamp.Wall,
			HlcLogical: e.Timestamp.Logical,
			HlcNode:    e.Timestamp.Node,
		}
	}
	return out
}

// FromWireEntries converts wire oplog entries back to storage.OplogEntry.
func FromWireEntries(entries []ProtoOplogEntry) []storage.OplogEntry {
	out := make([]storage.OplogEntry, len(entries))
	for i, e := range entries {
		op := storage.OpPut
		if e.Operation == "Delete" {
			op = storage.OpDelete
		}
		out[i] = storage.OplogEntry{
			Collection: e.Collection,
			Key:        e.Key,
			Op:         op,
			Body:       e.JSONData,
			Timestamp:  hlc.Timestamp{Wall: e.HlcWall, Logical: e.HlcLogical, Node: e.HlcNode},
		}
	}
	return out
}
