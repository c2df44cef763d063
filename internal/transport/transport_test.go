package transport

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")

	if err := WriteFrame(&buf, TypeGetClockReq, payload, false); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	msgType, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if msgType != TypeGetClockReq {
		t.Errorf("expected type %v, got %v", TypeGetClockReq, msgType)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected payload %q, got %q", payload, got)
	}
}

func TestFrame_CompressionRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(strings.Repeat("a", CompressionThreshold+100))

	if err := WriteFrame(&buf, TypePushChangesReq, payload, true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if buf.Len() >= len(payload) {
		t.Errorf("expected compressed frame to be smaller than raw payload")
	}

	_, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decompressed payload mismatch")
	}
}

func TestFrame_SmallPayloadNeverCompressed(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("small")

	if err := WriteFrame(&buf, TypeAckRes, payload, true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// header(6) + payload, uncompressed
	if buf.Len() != 6+len(payload) {
		t.Errorf("expected small payload to bypass compression, frame len=%d", buf.Len())
	}
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 6)
	header[0] = 0xFF
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	buf.Write(header)

	_, _, err := ReadFrame(&buf)
	if err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestRecord_GobRoundTrip(t *testing.T) {
	want := ClockRes{HlcWall: 12345, HlcLogical: 7, HlcNode: "node-a"}

	encoded, err := EncodeRecord(want)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	var got ClockRes
	if err := DecodeRecord(encoded, &got); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSecureEnvelope_RoundTrip(t *testing.T) {
	privA, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	privB, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}

	keyA, err := DeriveSessionKey(privA, privB.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("DeriveSessionKey A: %v", err)
	}
	keyB, err := DeriveSessionKey(privB, privA.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("DeriveSessionKey B: %v", err)
	}
	if keyA != keyB {
		t.Fatalf("expected both sides to derive the same session key")
	}

	plaintext := []byte("secret oplog payload")
	ciphertext, nonce, err := SealEnvelope(keyA, plaintext)
	if err != nil {
		t.Fatalf("SealEnvelope: %v", err)
	}

	got, err := OpenEnvelope(keyB, ciphertext, nonce)
	if err != nil {
		t.Fatalf("OpenEnvelope: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected decrypted plaintext to match, got %q", got)
	}
}

func TestSecureEnvelope_WrongKeyFails(t *testing.T) {
	priv1, _ := GenerateECDHKeyPair()
	priv2, _ := GenerateECDHKeyPair()
	priv3, _ := GenerateECDHKeyPair()

	key1, _ := DeriveSessionKey(priv1, priv2.PublicKey().Bytes())
	keyWrong, _ := DeriveSessionKey(priv3, priv2.PublicKey().Bytes())

	ciphertext, nonce, _ := SealEnvelope(key1, []byte("data"))
	if _, err := OpenEnvelope(keyWrong, ciphertext, nonce); err == nil {
		t.Fatal("expected decryption with wrong key to fail")
	}
}

func TestHandshake_ManualOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	var serverSess *Session
	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		serverSess, serverErr = AcceptHandshake(serverConn, "server", "shared-secret", []string{"brotli"}, false)
	}()

	clientSess := NewSession(clientConn)
	req := HandshakeReq{NodeID: "client", AuthToken: "shared-secret", SupportedCompression: []string{"brotli"}}
	payload, err := EncodeRecord(req)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if err := clientSess.Send(TypeHandshakeReq, payload); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	msgType, respPayload, err := clientSess.Receive()
	if err != nil {
		t.Fatalf("client Receive: %v", err)
	}
	if msgType != TypeHandshakeRes {
		t.Fatalf("expected HandshakeRes, got %v", msgType)
	}

	var res HandshakeRes
	if err := DecodeRecord(respPayload, &res); err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected handshake to be accepted")
	}

	<-done
	if serverErr != nil {
		t.Fatalf("server handshake error: %v", serverErr)
	}
	if serverSess.PeerID != "client" {
		t.Errorf("expected server to record peer id client, got %s", serverSess.PeerID)
	}

	clientConn.Close()
	serverConn.Close()
}

func TestHandshake_SecureModeRejectsPlaintextOffer(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	var serverErr error
	go func() {
		defer close(done)
		_, serverErr = AcceptHandshake(serverConn, "server", "shared-secret", []string{"brotli"}, true)
	}()

	clientSess := NewSession(clientConn)
	req := HandshakeReq{NodeID: "client", AuthToken: "shared-secret"}
	payload, _ := EncodeRecord(req)
	clientSess.Send(TypeHandshakeReq, payload)

	_, respPayload, err := clientSess.Receive()
	if err != nil {
		t.Fatalf("client Receive: %v", err)
	}
	var res HandshakeRes
	DecodeRecord(respPayload, &res)
	if res.Accepted {
		t.Fatalf("expected a secure-mode listener to reject a plaintext handshake offer")
	}

	<-done
	if serverErr == nil {
		t.Fatalf("expected server to report a secure-mode mismatch error")
	}

	clientConn.Close()
	serverConn.Close()
}

func TestHandshake_PlaintextModeRejectsSecureOffer(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	var serverErr error
	go func() {
		defer close(done)
		_, serverErr = AcceptHandshake(serverConn, "server", "shared-secret", []string{"brotli"}, false)
	}()

	clientSess := NewSession(clientConn)
	kp, err := GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair: %v", err)
	}
	req := HandshakeReq{NodeID: "client", AuthToken: "shared-secret", ECDHPublicKey: kp.PublicKey().Bytes()}
	payload, _ := EncodeRecord(req)
	clientSess.Send(TypeHandshakeReq, payload)

	_, respPayload, err := clientSess.Receive()
	if err != nil {
		t.Fatalf("client Receive: %v", err)
	}
	var res HandshakeRes
	DecodeRecord(respPayload, &res)
	if res.Accepted {
		t.Fatalf("expected a plaintext-mode listener to reject a secure handshake offer")
	}

	<-done
	if serverErr == nil {
		t.Fatalf("expected server to report a plaintext-mode mismatch error")
	}

	clientConn.Close()
	serverConn.Close()
}

func TestHandshake_WrongTokenRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	done := make(chan struct{})
	var serverErr error
	go func() {
		defer close(done)
		_, serverErr = AcceptHandshake(serverConn, "server", "shared-secret", []string{"brotli"}, false)
	}()

	clientSess := NewSession(clientConn)
	req := HandshakeReq{NodeID: "client", AuthToken: "wrong-secret"}
	payload, _ := EncodeRecord(req)
	clientSess.Send(TypeHandshakeReq, payload)

	_, respPayload, err := clientSess.Receive()
	if err != nil {
		t.Fatalf("client Receive: %v", err)
	}
	var res HandshakeRes
	DecodeRecord(respPayload, &res)
	if res.Accepted {
		t.Fatalf("expected handshake to be rejected for wrong token")
	}

	<-done
	if serverErr == nil {
		t.Fatalf("expected server to report an authentication error")
	}

	clientConn.Close()
	serverConn.Close()
}
