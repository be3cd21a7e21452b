package ir

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainOutputs   = "vgomini/outputs/v1"
	DomainManifest  = "vgomini/manifest/v1"
	DomainCarry     = "vgomini/carry-fingerprint/v1"
	DomainPartition = "vgomini/partition/v1"
	DomainInput     = "vgomini/input-signature/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FinalRowsPayload builds the canonical payload digested by Seal:
// {"finalRows":[{"final_minor":N,"principal":S},...],"target_total_minor":N}.
// Row order is the computed order and is never re-sorted.
func FinalRowsPayload(rows []FinalRow, target int64) IRObject {
	arr := make(IRArray, len(rows))
	for i, r := range rows {
		arr[i] = NewIRObjectFromPairs(
			O("principal", IRString(r.Principal)),
			O("final_minor", IRInt(r.FinalMinor)),
		)
	}
	return NewIRObjectFromPairs(
		O("finalRows", arr),
		O("target_total_minor", IRInt(target)),
	)
}

// OutputsDigest computes the seal hash over the final rows and target.
func OutputsDigest(rows []FinalRow, target int64) (string, error) {
	canonical, err := MarshalCanonical(FinalRowsPayload(rows, target))
	if err != nil {
		return "", fmt.Errorf("OutputsDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOutputs, canonical), nil
}

// CarryFingerprint identifies a Carry output. Seal compares fingerprints to
// decide whether an existing seal is still valid.
func CarryFingerprint(out CarryOutput) (string, error) {
	canonical, err := MarshalCanonical(FinalRowsPayload(out.Rows, out.TargetTotalMinor))
	if err != nil {
		return "", fmt.Errorf("CarryFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCarry, canonical), nil
}

// ManifestHash covers every Tier0Root header field except the manifest hash
// itself.
func ManifestHash(root Tier0Root) (string, error) {
	obj := NewIRObjectFromPairs(
		O("version", IRString(root.Version)),
		O("window", IRString(root.Window)),
		O("segments", NewIRObjectFromPairs(
			O("carry_ledger_count", IRInt(root.Segments.CarryLedgerCount)),
		)),
		O("watermark", IRString(root.Watermark)),
		O("fold_order_desc", IRString(root.FoldOrderDesc)),
		O("outputs_digest", IRString(root.OutputsDigest)),
		O("materialized_at", IRString(root.MaterializedAt)),
	)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ManifestHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainManifest, canonical), nil
}

// PartitionOf routes (tenant, window, bucket) to one of k partitions using
// the first 8 bytes of a domain-separated SHA-256. Identical inputs always
// route identically.
func PartitionOf(tenant, window, bucket string, k int) int {
	if k <= 1 {
		return 0
	}
	h := sha256.New()
	h.Write([]byte(DomainPartition))
	h.Write([]byte{0x00})
	h.Write([]byte(tenant))
	h.Write([]byte{0x00})
	h.Write([]byte(window))
	h.Write([]byte{0x00})
	h.Write([]byte(bucket))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(k))
}

// InputSignature identifies the input of a stage: the stage name, the digest
// of the upstream artifact bytes, and the stage parameters. A stage whose
// input signature is unchanged does not need to recompute.
func InputSignature(stage string, upstream []byte, params IRObject) (string, error) {
	if params == nil {
		params = IRObject{}
	}
	obj := NewIRObjectFromPairs(
		O("stage", IRString(stage)),
		O("upstream", IRString(HashBytes(upstream))),
		O("params", params),
	)
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("InputSignature: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainInput, canonical), nil
}

// MustOutputsDigest is like OutputsDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustOutputsDigest(rows []FinalRow, target int64) string {
	d, err := OutputsDigest(rows, target)
	if err != nil {
		panic(err)
	}
	return d
}
