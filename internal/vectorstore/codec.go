package vectorstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Artifact layout:
//
//	magic       8 bytes  "DQAIDX01"
//	header len  4 bytes  big-endian uint32
//	header      JSON     Header
//	payload     rest     chromem DB export (gzip when compressed)
//
// Artifacts without the magic are read as a bare chromem export written by
// releases that predate the envelope.
const (
	artifactMagic = "DQAIDX01"
	formatVersion = 1

	maxHeaderLen = 64 << 10
)

// errFormat marks artifacts that are not in the canonical format.
var errFormat = errors.New("not a canonical index artifact")

// Header describes the embedding space and contents of an artifact.
type Header struct {
	FormatVersion int       `json:"format_version"`
	Model         string    `json:"model"`
	Dimension     int       `json:"dimension"`
	ChunkCount    int       `json:"chunk_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func encodeArtifact(h Header, payload []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding index header: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(artifactMagic) + 4 + len(hdr) + len(payload))
	buf.WriteString(artifactMagic)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(hdr)))
	buf.Write(n[:])
	buf.Write(hdr)
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeArtifact splits a canonical artifact. It returns an error wrapping
// errFormat when the data is not canonical at all, so that callers can
// fall back to the legacy loader.
func decodeArtifact(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < len(artifactMagic)+4 || string(data[:len(artifactMagic)]) != artifactMagic {
		return h, nil, fmt.Errorf("%w: missing magic", errFormat)
	}
	rest := data[len(artifactMagic):]
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if n == 0 || n > maxHeaderLen || int(n) > len(rest) {
		return h, nil, fmt.Errorf("invalid header length %d", n)
	}
	if err := json.Unmarshal(rest[:n], &h); err != nil {
		return h, nil, fmt.Errorf("decoding index header: %w", err)
	}
	if h.FormatVersion != formatVersion {
		return h, nil, fmt.Errorf("%w: unsupported format version %d", errFormat, h.FormatVersion)
	}
	return h, rest[n:], nil
}
