// Package fingerprint computes the identity and content hashes used by the
// catalog for deduplication and change detection.
//
// The identity hash covers (sourceId, location, type) and decides which row an
// observation belongs to. The content hash covers size, modification time,
// the ordered schema shape and the quality bucket, and decides whether a
// rescan is an update.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"strconv"

	"github.com/ajitpratap0/atlas/pkg/models"
)

// assetIDLength is the number of hex characters of the identity hash kept as asset id.
const assetIDLength = 32

// Identity hashes the fields that define a logical asset.
func Identity(sourceID, location, assetType string) string {
	h := sha256.New()
	writeField(h, sourceID)
	writeField(h, location)
	writeField(h, assetType)
	return hex.EncodeToString(h.Sum(nil))
}

// Content hashes the fields whose change makes a rescan an update.
func Content(a *models.CatalogedAsset) string {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(a.Size))
	h.Write(buf[:])

	var mod int64
	if !a.ModifiedAt.IsZero() {
		mod = a.ModifiedAt.UTC().UnixNano()
	}
	binary.BigEndian.PutUint64(buf[:], uint64(mod))
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(a.Schema)))
	h.Write(buf[:])
	for _, f := range a.Schema {
		writeField(h, f.Name)
		writeField(h, f.Type)
	}

	writeField(h, QualityBucket(a.QualityScore))
	return hex.EncodeToString(h.Sum(nil))
}

// QualityBucket discretizes a score into tenths so that sampling noise below
// 0.1 does not register as a change. Unknown scores form their own bucket.
func QualityBucket(score *float64) string {
	if score == nil || math.IsNaN(*score) {
		return "unknown"
	}
	b := int(math.Floor(*score * 10))
	if b < 0 {
		b = 0
	}
	if b > 10 {
		b = 10
	}
	return strconv.Itoa(b)
}

// AssetID derives the stable asset id from an identity hash.
func AssetID(identityHash string) string {
	if len(identityHash) <= assetIDLength {
		return identityHash
	}
	return identityHash[:assetIDLength]
}

// Compute fills a.Fingerprint and returns it. AssetID is left to the catalog,
// which keeps the id already assigned to (sourceId, location).
func Compute(a *models.CatalogedAsset) models.Fingerprint {
	fp := models.Fingerprint{
		IdentityHash: Identity(a.SourceID, a.Location, a.Type),
		ContentHash:  Content(a),
	}
	a.Fingerprint = fp
	return fp
}

// writeField writes a length-prefixed string so that field boundaries are unambiguous.
func writeField(h hash.Hash, s string) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	h.Write(buf[:])
	h.Write([]byte(s))
}
