package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/buildbarn/bb-zip/pkg/zip/format"
)

// winZipAESIterations is the PBKDF2 round count fixed by the WinZip
// AES specification.
const winZipAESIterations = 1000

// WinZipAESCodec wraps an inner codec (typically StoreCodec or
// DeflateCodec) with the WinZip AES frame: an 8/12/16-byte salt and a
// 2-byte password verifier prefix, an AES-CTR encrypted body, and a
// trailing 10-byte HMAC-SHA1 authentication tag. Per spec §1, only
// this frame contract is normative; the underlying AES-CTR/HMAC-SHA1
// algorithms are standard library primitives used as-is.
type WinZipAESCodec struct {
	inner    Codec
	strength format.AESStrength

	stream cipher.Stream
	mac    hash.Hash
	prefix []byte

	prefixEmitted bool
	failed        error
	inputBytes    uint64
	outputBytes   uint64
}

var _ Codec = (*WinZipAESCodec)(nil)

func keyLenForStrength(s format.AESStrength) int {
	switch s {
	case format.AES128:
		return 16
	case format.AES192:
		return 24
	default:
		return 32
	}
}

// NewWinZipAES wraps inner with AES encryption derived from password
// at the given strength.
func NewWinZipAES(inner Codec, password string, strength format.AESStrength) (*WinZipAESCodec, error) {
	keyLen := keyLenForStrength(strength)
	salt := make([]byte, strength.SaltLen())
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	// Derived key material: encryption key || authentication key ||
	// 2-byte password verifier, per the WinZip AES key derivation
	// scheme.
	derived := pbkdf2.Key([]byte(password), salt, winZipAESIterations, 2*keyLen+2, sha1.New)
	encKey := derived[:keyLen]
	authKey := derived[keyLen : 2*keyLen]
	verifier := derived[2*keyLen : 2*keyLen+2]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	c := &WinZipAESCodec{
		inner:    inner,
		strength: strength,
		stream:   cipher.NewCTR(block, make([]byte, aes.BlockSize)),
		mac:      hmac.New(sha1.New, authKey),
	}
	c.prefix = append(append([]byte{}, salt...), verifier...)
	return c, nil
}

func (c *WinZipAESCodec) encrypt(plaintext []byte) []byte {
	if len(plaintext) == 0 {
		return nil
	}
	out := make([]byte, len(plaintext))
	c.stream.XORKeyStream(out, plaintext)
	c.mac.Write(out)
	return out
}

// Update implements Codec.
func (c *WinZipAESCodec) Update(chunk []byte) ([]byte, error) {
	if c.failed != nil {
		return nil, poisonedError(c.failed)
	}
	c.inputBytes += uint64(len(chunk))
	plain, err := c.inner.Update(chunk)
	if err != nil {
		c.failed = err
		return nil, err
	}
	out := c.emitPrefix()
	cipherBytes := c.encrypt(plain)
	c.outputBytes += uint64(len(cipherBytes))
	return append(out, cipherBytes...), nil
}

func (c *WinZipAESCodec) emitPrefix() []byte {
	if c.prefixEmitted {
		return nil
	}
	c.prefixEmitted = true
	c.outputBytes += uint64(len(c.prefix))
	return append([]byte{}, c.prefix...)
}

// Final implements Codec.
func (c *WinZipAESCodec) Final() ([]byte, Result, error) {
	if c.failed != nil {
		return nil, Result{}, poisonedError(c.failed)
	}
	trailer, innerResult, err := c.inner.Final()
	if err != nil {
		c.failed = err
		return nil, Result{}, err
	}
	out := c.emitPrefix()
	cipherTrailer := c.encrypt(trailer)
	c.outputBytes += uint64(len(cipherTrailer))
	out = append(out, cipherTrailer...)

	tag := c.mac.Sum(nil)[:10]
	out = append(out, tag...)
	c.outputBytes += uint64(len(tag))

	return out, Result{
		InputBytes:  innerResult.InputBytes,
		OutputBytes: c.outputBytes,
		Signature:   innerResult.Signature,
	}, nil
}

// Method implements Codec.
func (c *WinZipAESCodec) Method() uint16 { return format.MethodAES }

// CentralDirectorySignature implements Codec. Per the WinZip AE-2
// convention (and spec §6's exception), the CRC-32 recorded in the
// central directory is forced to 0 when strong encryption is used;
// the authentication tag already protects integrity.
func (c *WinZipAESCodec) CentralDirectorySignature(Result) uint32 { return 0 }

// InnerMethod returns the compression method of the wrapped codec, as
// recorded in the AES extra field.
func (c *WinZipAESCodec) InnerMethod() uint16 { return c.inner.Method() }

// Strength returns the AES key strength this codec was constructed
// with, as recorded in the AES extra field.
func (c *WinZipAESCodec) Strength() format.AESStrength { return c.strength }
