package secure

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"securemsg/protocol"
)

var ErrHandshake = errors.New("handshake failed")

// ServerHandshake runs the server role: BUILD_P, then our BUILD_PUBK, then
// the peer's BUILD_PUBK. Handshake frames travel in plaintext.
func ServerHandshake(rw io.ReadWriter, params *Params) (*Channel, error) {
	key, err := params.generateKey()
	if err != nil {
		return nil, err
	}
	if err := sendValue(rw, protocol.BuildP, params.Hex()); err != nil {
		return nil, err
	}
	if err := sendValue(rw, protocol.BuildPubK, toHex(key.public)); err != nil {
		return nil, err
	}
	peer, err := recvValue(rw, protocol.BuildPubK)
	if err != nil {
		return nil, err
	}
	return finish(rw, params, key, peer)
}

// ClientHandshake runs the client role against ServerHandshake.
func ClientHandshake(rw io.ReadWriter) (*Channel, error) {
	p, err := recvValue(rw, protocol.BuildP)
	if err != nil {
		return nil, err
	}
	params := &Params{P: p, G: big.NewInt(Generator)}
	if p.BitLen() < 8*(KeySize+IVSize+1) {
		return nil, fmt.Errorf("%w: %d bit prime", ErrHandshake, p.BitLen())
	}
	key, err := params.generateKey()
	if err != nil {
		return nil, err
	}
	peer, err := recvValue(rw, protocol.BuildPubK)
	if err != nil {
		return nil, err
	}
	if err := sendValue(rw, protocol.BuildPubK, toHex(key.public)); err != nil {
		return nil, err
	}
	return finish(rw, params, key, peer)
}

func finish(rw io.ReadWriter, params *Params, key *keyPair, peer *big.Int) (*Channel, error) {
	secret, err := params.sharedSecret(key, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	ch, err := NewChannel(rw, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return ch, nil
}

func sendValue(w io.Writer, op protocol.Opcode, hex string) error {
	frame, err := protocol.Handshake{Op: op, Hex: hex}.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := writeFull(w, frame); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func recvValue(r io.Reader, want protocol.Opcode) (*big.Int, error) {
	buf := make([]byte, protocol.SizeHandshake)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("recv %s: %w", want, err)
	}
	h, err := protocol.DecodeHandshake(buf)
	if err != nil {
		return nil, err
	}
	if h.Op != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrHandshake, h.Op, want)
	}
	n, err := fromHex(h.Hex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHandshake, want, err)
	}
	return n, nil
}
