package crossforge

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// CacheKey fingerprints one (dependency lock, target, toolchain version)
// triple. Equal inputs always derive equal keys; keys are used only for cache
// lookup and storage, never to compare unrelated jobs.
type CacheKey string

// DeriveCacheKey computes the fingerprint. Fields are length-prefixed before
// hashing so that no two distinct input triples can collapse onto the same
// byte stream.
func DeriveCacheKey(lockContents []byte, spec TargetSpec, toolchainVersion string) CacheKey {
	h := blake3.New(32, nil)
	writeField(h, lockContents)
	writeField(h, []byte(spec.Name))
	writeField(h, []byte(spec.Triple))
	writeField(h, []byte(fmt.Sprintf("%d", spec.MinAPI)))
	writeField(h, []byte(toolchainVersion))
	return CacheKey(fmt.Sprintf("%x", h.Sum(nil)))
}

func writeField(w io.Writer, b []byte) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

// hashFile returns the BLAKE3 hex digest of a file, used for the artifact
// manifest checksums.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
