package codec

import (
	"github.com/klauspost/compress/flate"

	"github.com/buildbarn/bb-zip/pkg/zip/format"
)

// Options configures codec construction for an entry.
type Options struct {
	// Level is the compression level: 0 means store, any other value
	// means deflate (1-9; values outside that range, such as
	// flate.DefaultCompression == -1, select the default level).
	Level int
	// Password, if non-empty, wraps the resulting codec in WinZip
	// AES encryption.
	Password string
	// AESStrength selects the AES key size when Password is set.
	// Defaults to AES256 when left at the zero value.
	AESStrength format.AESStrength
}

// New constructs the codec for a single entry according to opts: the
// base transform (store or deflate) is built first, then optionally
// wrapped in WinZip AES encryption if a password was supplied.
func New(opts Options) (Codec, error) {
	var base Codec
	if opts.Level == 0 {
		base = NewStore()
	} else {
		level := opts.Level
		if level < flate.BestSpeed || level > flate.BestCompression {
			level = flate.DefaultCompression
		}
		dc, err := NewDeflate(level)
		if err != nil {
			return nil, err
		}
		base = dc
	}

	if opts.Password == "" {
		return base, nil
	}
	strength := opts.AESStrength
	if strength == 0 {
		strength = format.AES256
	}
	return NewWinZipAES(base, opts.Password, strength)
}
