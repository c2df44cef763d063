package transport

import (
	"crypto/ecdh"
	"crypto/subtle"
	"fmt"
	"net"
)

// Dial opens a TCP connection to addr and performs the client side of the
// handshake: send HandshakeReq, validate HandshakeRes.Accepted. If
// secure is true, an ephemeral ECDH key pair is generated and exchanged
// so both sides derive a shared session key before any further message.
func Dial(addr, nodeID, authToken string, supportedCompression []string, secure bool) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	sess := NewSession(conn)
	sess.setState(StateConnecting)

	req := HandshakeReq{NodeID: nodeID, AuthToken: authToken, SupportedCompression: supportedCompression}

	var priv *ecdh.PrivateKey
	if secure {
		kp, err := GenerateECDHKeyPair()
		if err != nil {
			conn.Close()
			return nil, err
		}
		priv = kp
		req.ECDHPublicKey = kp.PublicKey().Bytes()
	}

	sess.setState(StateHandshaking)

	payload, err := EncodeRecord(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := sess.Send(TypeHandshakeReq, payload); err != nil {
		conn.Close()
		return nil, err
	}

	msgType, respPayload, err := sess.Receive()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msgType != TypeHandshakeRes {
		conn.Close()
		return nil, fmt.Errorf("transport: expected HandshakeRes, got %s", msgType)
	}

	var res HandshakeRes
	if err := DecodeRecord(respPayload, &res); err != nil {
		conn.Close()
		return nil, err
	}
	if !res.Accepted {
		conn.Close()
		sess.setState(StateFailed)
		return nil, fmt.Errorf("transport: handshake rejected by %s", addr)
	}

	sess.PeerID = res.NodeID
	sess.compression = res.SelectedCompression

	if secure {
		if len(res.ECDHPublicKey) == 0 {
			conn.Close()
			return nil, fmt.Errorf("transport: secure handshake requested but peer returned no public key")
		}
		key, err := DeriveSessionKey(priv, res.ECDHPublicKey)
		if err != nil {
			conn.Close()
			return nil, err
		}
		sess.sessionKey = &key
	}

	sess.setState(StateReady)
	return sess, nil
}

// AcceptHandshake performs the server side of the handshake on a freshly
// accepted connection: receive HandshakeReq, validate authToken in
// constant time, reply with HandshakeRes. secureMode fixes this
// listener's channel mode for every connection it accepts: a secure-mode
// listener rejects any HandshakeReq that omits the ECDH public key, and
// a plaintext-mode listener rejects one that carries it — the two modes
// never interoperate on the same listener. On rejection the connection
// is closed and an error is returned; the caller must not use the
// session.
func AcceptHandshake(conn net.Conn, selfNodeID, clusterAuthToken string, supportedCompression []string, secureMode bool) (*Session, error) {
	sess := NewSession(conn)
	sess.setState(StateHandshaking)

	msgType, payload, err := sess.Receive()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if msgType != TypeHandshakeReq {
		conn.Close()
		return nil, fmt.Errorf("transport: expected HandshakeReq, got %s", msgType)
	}

	var req HandshakeReq
	if err := DecodeRecord(payload, &req); err != nil {
		conn.Close()
		return nil, err
	}

	accepted := subtle.ConstantTimeCompare([]byte(req.AuthToken), []byte(clusterAuthToken)) == 1
	if !accepted {
		res := HandshakeRes{NodeID: selfNodeID, Accepted: false}
		respPayload, _ := EncodeRecord(res)
		sess.Send(TypeHandshakeRes, respPayload)
		conn.Close()
		sess.setState(StateFailed)
		return nil, fmt.Errorf("transport: authentication failed for node %s", req.NodeID)
	}

	offeredKey := len(req.ECDHPublicKey) > 0
	if secureMode != offeredKey {
		res := HandshakeRes{NodeID: selfNodeID, Accepted: false}
		respPayload, _ := EncodeRecord(res)
		sess.Send(TypeHandshakeRes, respPayload)
		conn.Close()
		sess.setState(StateFailed)
		if secureMode {
			return nil, fmt.Errorf("transport: secure-mode listener rejected plaintext handshake from node %s", req.NodeID)
		}
		return nil, fmt.Errorf("transport: plaintext-mode listener rejected secure handshake from node %s", req.NodeID)
	}

	selected := selectCompression(req.SupportedCompression, supportedCompression)

	res := HandshakeRes{NodeID: selfNodeID, Accepted: true, SelectedCompression: selected}

	var key SessionKey
	if secureMode {
		kp, err := GenerateECDHKeyPair()
		if err != nil {
			conn.Close()
			return nil, err
		}
		res.ECDHPublicKey = kp.PublicKey().Bytes()

		key, err = DeriveSessionKey(kp, req.ECDHPublicKey)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	respPayload, err := EncodeRecord(res)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := sess.Send(TypeHandshakeRes, respPayload); err != nil {
		conn.Close()
		return nil, err
	}

	sess.PeerID = req.NodeID
	sess.compression = selected
	if secureMode {
		sess.sessionKey = &key
	}
	sess.setState(StateReady)
	return sess, nil
}

// selectCompression picks the first algorithm both sides advertise, or
// "" if there is no overlap (meaning no compression is used).
func selectCompression(requested, supported []string) string {
	supportedSet := make(map[string]bool, len(supported))
	for _, s := range supported {
		supportedSet[s] = true
	}
	for _, r := range requested {
		if supportedSet[r] {
			return r
		}
	}
	return ""
}
