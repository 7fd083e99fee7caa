package codec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// flateWriterPools recycles *flate.Writer instances per compression
// level, the same trick soong_zip's ZipWriter uses (a sync.Pool of
// *flate.Writer, keyed implicitly by a single level per ZipWriter
// instance) generalized to support entries at varying levels within
// one archive.
var flateWriterPools sync.Map // map[int]*sync.Pool

func poolFor(level int) *sync.Pool {
	if p, ok := flateWriterPools.Load(level); ok {
		return p.(*sync.Pool)
	}
	p := &sync.Pool{}
	actual, _ := flateWriterPools.LoadOrStore(level, p)
	return actual.(*sync.Pool)
}

func acquireFlateWriter(level int, w io.Writer) (*flate.Writer, error) {
	pool := poolFor(level)
	if fw, ok := pool.Get().(*flate.Writer); ok {
		fw.Reset(w)
		return fw, nil
	}
	return flate.NewWriter(w, level)
}

func releaseFlateWriter(level int, fw *flate.Writer) {
	poolFor(level).Put(fw)
}
