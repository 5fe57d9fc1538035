// Package version computes cheap fingerprints of annotation metadata.
//
// A fingerprint covers only the revision-relevant header fields. Geometry
// edits that leave those fields untouched are not detected; the archive is
// expected to bump _version or updated on every edit.
package version

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/cespare/xxhash/v2"

	docjson "github.com/richinex/annolayer/internal/json"
	"github.com/richinex/annolayer/model"
)

// Whitelisted field names, as they appear on the wire.
const (
	fieldID          = "_id"
	fieldVersion     = "_version"
	fieldUpdated     = "updated"
	fieldCreated     = "created"
	fieldAccessLevel = "_accessLevel"
	fieldName        = "annotation.name"
)

// ComputeHash returns a 16 character hex fingerprint of the header's
// revision fields. Absent fields are omitted, never treated as errors.
func ComputeHash(h model.AnnotationHeader) string {
	selected := make(map[string]any, 6)
	if h.ID != "" {
		selected[fieldID] = h.ID
	}
	if h.Version != nil {
		selected[fieldVersion] = *h.Version
	}
	if h.Updated != "" {
		selected[fieldUpdated] = h.Updated
	}
	if h.Created != "" {
		selected[fieldCreated] = h.Created
	}
	if h.AccessLevel != nil {
		selected[fieldAccessLevel] = *h.AccessLevel
	}
	if h.Name != "" {
		selected[fieldName] = h.Name
	}

	// encoding/json writes map keys in sorted order.
	serialized, err := json.Marshal(selected)
	if err != nil {
		// Only strings and integers are selected; Marshal cannot fail.
		panic("version: marshal selected fields: " + err.Error())
	}
	return encode(xxhash.Sum64(serialized))
}

// ComputeHashJSON fingerprints a raw header document. It yields the same
// value as ComputeHash for the decoded header, independent of key order.
func ComputeHashJSON(data []byte) (string, error) {
	h, err := docjson.DecodeHeader(data)
	if err != nil {
		return "", err
	}
	return ComputeHash(h), nil
}

func encode(sum uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sum)
	return hex.EncodeToString(buf[:])
}
