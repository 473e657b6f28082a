// Package secure implements the encrypted channel every session runs over:
// a Diffie-Hellman exchange that yields an AES-256 key and IV, followed by
// CBC-encrypted frames whose length is fixed by the expected message type.
//
// The IV is derived once per connection and reused for every frame. This
// matches the deployed clients and cannot change without a new protocol
// version.
package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"

	"securemsg/protocol"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

var (
	// ErrPeerClosed is returned by Recv when the peer shut the stream down,
	// including in the middle of a frame.
	ErrPeerClosed = errors.New("peer closed connection")
	ErrBadPadding = errors.New("bad frame padding")
	ErrShortKey   = errors.New("shared secret too short for key and iv")
)

// Channel is an established encrypted stream. Send and Recv may be used by
// two different goroutines at once; neither is safe for concurrent use with
// itself.
type Channel struct {
	rw io.ReadWriter

	// key material: KeySize bytes of key followed by IVSize bytes of IV
	secret *memguard.LockedBuffer
	once   sync.Once
}

// NewChannel derives the key and IV from the raw shared secret and wraps rw.
// secret is wiped.
func NewChannel(rw io.ReadWriter, secret []byte) (*Channel, error) {
	if len(secret) < KeySize+IVSize {
		memguard.WipeBytes(secret)
		return nil, fmt.Errorf("%w: %d bytes", ErrShortKey, len(secret))
	}
	buf := memguard.NewBufferFromBytes(secret[:KeySize+IVSize])
	memguard.WipeBytes(secret)
	buf.Freeze()
	return &Channel{rw: rw, secret: buf}, nil
}

// Close destroys the key material. It does not close the underlying stream.
func (c *Channel) Close() {
	c.once.Do(c.secret.Destroy)
}

func (c *Channel) cipher() (cipher.Block, []byte, error) {
	if !c.secret.IsAlive() {
		return nil, nil, errors.New("channel closed")
	}
	b := c.secret.Bytes()
	block, err := aes.NewCipher(b[:KeySize])
	if err != nil {
		return nil, nil, err
	}
	return block, b[KeySize : KeySize+IVSize], nil
}

// Send encrypts frame and writes the whole ciphertext.
func (c *Channel) Send(frame []byte) error {
	block, iv, err := c.cipher()
	if err != nil {
		return err
	}
	if err := writeFull(c.rw, encrypt(block, iv, frame)); err != nil {
		return fmt.Errorf("send %d byte frame: %w", len(frame), err)
	}
	return nil
}

// Recv reads one frame whose plaintext is size bytes. The returned slice is
// always size bytes long; a shorter plaintext is zero-extended.
func (c *Channel) Recv(size int) ([]byte, error) {
	block, iv, err := c.cipher()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, protocol.CipherSize(size))
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrPeerClosed
		}
		return nil, fmt.Errorf("recv %d byte frame: %w", size, err)
	}
	plain, err := decrypt(block, iv, buf)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, size)
	copy(frame, plain)
	return frame, nil
}

// writeFull keeps writing until p is gone. io.Writer forbids silent short
// writes, but a short write with a nil error is retried anyway.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func encrypt(block cipher.Block, iv, plain []byte) []byte {
	padded := pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func decrypt(block cipher.Block, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out)
}

// pad applies PKCS#7. An aligned input gains a full block.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
