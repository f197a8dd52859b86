package event

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
)

const digestSeed = "bilancio:log:v1"

// Digest chains a SHA-256 over records in sequence order:
// tip[N] = SHA-256(tip[N-1] || seq || record). Two runs of the same
// scenario fold to the same tip; any divergence in ordering, amounts, or
// phases changes it.
type Digest struct {
	prev [32]byte
}

func NewDigest() *Digest {
	return &Digest{prev: sha256.Sum256([]byte(digestSeed))}
}

// Fold absorbs one record and returns the new chain tip.
func (d *Digest) Fold(r Record) [32]byte {
	h := sha256.New()
	h.Write(d.prev[:])

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(r.Seq))
	h.Write(seq[:])

	// JSON field order is fixed by the struct definition, so the encoding
	// is canonical for a given build.
	body, err := json.Marshal(r)
	if err != nil {
		panic("event: record not marshalable: " + err.Error())
	}
	h.Write(body)

	copy(d.prev[:], h.Sum(nil))
	return d.prev
}

// Tip returns the current chain tip.
func (d *Digest) Tip() [32]byte { return d.prev }

// LogDigest folds a whole log and returns the hex tip.
func LogDigest(l *Log) string {
	d := NewDigest()
	for _, r := range l.Records() {
		d.Fold(r)
	}
	tip := d.Tip()
	return hex.EncodeToString(tip[:])
}
