package secure

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Generator is the fixed DH generator shared by both roles.
const Generator = 2

// DefaultBits is the size of the prime generated at server start.
const DefaultBits = 2048

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// rfc3526Group14 is the 2048-bit MODP group from RFC 3526, section 3.
const rfc3526Group14 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// Params are the Diffie-Hellman domain parameters. One value is built at
// startup and shared read-only by every connection.
type Params struct {
	P *big.Int
	G *big.Int
}

// GenerateParams searches for a safe prime p = 2q+1 of the given size.
// This takes seconds for 2048 bits.
func GenerateParams(bits int) (*Params, error) {
	if bits < 64 {
		return nil, fmt.Errorf("dh prime of %d bits is too small", bits)
	}
	for {
		q, err := rand.Prime(rand.Reader, bits-1)
		if err != nil {
			return nil, fmt.Errorf("generate dh prime: %w", err)
		}
		p := new(big.Int).Lsh(q, 1)
		p.Add(p, bigOne)
		if p.BitLen() == bits && p.ProbablyPrime(20) {
			return &Params{P: p, G: big.NewInt(Generator)}, nil
		}
	}
}

// RFC3526Group14 returns the fixed 2048-bit MODP group.
func RFC3526Group14() *Params {
	p, _ := new(big.Int).SetString(rfc3526Group14, 16)
	return &Params{P: p, G: big.NewInt(Generator)}
}

// Hex returns p in the upper-case form sent in BUILD_P frames.
func (p *Params) Hex() string {
	return toHex(p.P)
}

// keyPair is one side's per-connection exponent and public value.
type keyPair struct {
	private *big.Int
	public  *big.Int
}

func (p *Params) generateKey() (*keyPair, error) {
	// private in [2, p-2]
	limit := new(big.Int).Sub(p.P, big.NewInt(3))
	x, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate dh key: %w", err)
	}
	x.Add(x, bigTwo)
	return &keyPair{
		private: x,
		public:  new(big.Int).Exp(p.G, x, p.P),
	}, nil
}

var errBadPublic = errors.New("peer public value out of range")

// sharedSecret computes peer^x mod p as a minimal big-endian byte string.
func (p *Params) sharedSecret(k *keyPair, peer *big.Int) ([]byte, error) {
	upper := new(big.Int).Sub(p.P, bigOne)
	if peer.Cmp(bigOne) <= 0 || peer.Cmp(upper) >= 0 {
		return nil, errBadPublic
	}
	return new(big.Int).Exp(peer, k.private, p.P).Bytes(), nil
}

func toHex(n *big.Int) string {
	return strings.ToUpper(n.Text(16))
}

func fromHex(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty hex value")
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex value %.16q", s)
	}
	return n, nil
}
