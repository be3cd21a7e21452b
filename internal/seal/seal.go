// Package seal produces the terminal SealDigest for a window.
//
// A seal is only issued when the carry output is balanced
// (Σ final_minor == target_total_minor). The seal hash is the
// domain-separated SHA-256 of the canonical {finalRows, target_total_minor}
// document; the Tier0 root ties it to the watermark and fold order.
package seal

import (
	"fmt"
	"strconv"

	"github.com/roach88/vgomini/internal/ir"
)

// Stage is the transcript stream name for seal notes.
const Stage = "seal"

// Error is a reason-coded seal refusal.
type Error struct {
	Code      string
	Message   string
	Remainder int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Input is everything a seal covers.
type Input struct {
	Window           string
	Carry            ir.CarryOutput
	Watermark        string
	FoldOrder        string
	CarryLedgerCount int64
	MaterializedAt   string
}

// Outcome says what Reseal did.
type Outcome string

const (
	OutcomeSealed      Outcome = "sealed"
	OutcomeReused      Outcome = "reused"
	OutcomeInvalidated Outcome = "invalidated"
)

// Seal builds and signs a digest, refusing unless the remainder is zero.
func Seal(in Input, signer Signer) (ir.SealDigest, error) {
	achieved := in.Carry.Sum()
	remainder := in.Carry.TargetTotalMinor - achieved
	if remainder != 0 {
		return ir.SealDigest{}, &Error{
			Code:      ir.CodeSealRemainderNonZero,
			Message:   fmt.Sprintf("final rows sum to %d, target is %d", achieved, in.Carry.TargetTotalMinor),
			Remainder: remainder,
		}
	}

	sealHash, err := ir.OutputsDigest(in.Carry.Rows, in.Carry.TargetTotalMinor)
	if err != nil {
		return ir.SealDigest{}, err
	}
	fingerprint, err := ir.CarryFingerprint(in.Carry)
	if err != nil {
		return ir.SealDigest{}, err
	}

	root := ir.Tier0Root{
		Version:        ir.Tier0Version,
		Segments:       ir.Segments{CarryLedgerCount: in.CarryLedgerCount},
		Watermark:      in.Watermark,
		FoldOrderDesc:  in.FoldOrder,
		OutputsDigest:  sealHash,
		Window:         in.Window,
		MaterializedAt: in.MaterializedAt,
	}
	if root.ManifestHash, err = ir.ManifestHash(root); err != nil {
		return ir.SealDigest{}, err
	}

	sig, err := signer.Sign(sealHash)
	if err != nil {
		return ir.SealDigest{}, fmt.Errorf("sign seal: %w", err)
	}

	rows := in.Carry.Rows
	if rows == nil {
		rows = []ir.FinalRow{}
	}
	return ir.SealDigest{
		Window:             in.Window,
		FinalRows:          rows,
		TargetTotalMinor:   in.Carry.TargetTotalMinor,
		AchievedTotalMinor: achieved,
		Remainder:          0,
		SealHash:           sealHash,
		CarryFingerprint:   fingerprint,
		Tier0Root:          root,
		Signature:          sig,
	}, nil
}

// Reseal returns prev unchanged when its carry fingerprint matches the
// current carry output and its signature verifies under signer. Otherwise it
// seals afresh; a prev that is replaced is reported as invalidated, so a
// signer change re-signs the window.
func Reseal(prev *ir.SealDigest, in Input, signer Signer) (ir.SealDigest, Outcome, error) {
	if prev != nil {
		fp, err := ir.CarryFingerprint(in.Carry)
		if err != nil {
			return ir.SealDigest{}, "", err
		}
		if fp == prev.CarryFingerprint && signer.Verify(prev.Signature, prev.SealHash) == nil {
			return *prev, OutcomeReused, nil
		}
	}

	d, err := Seal(in, signer)
	if err != nil {
		return ir.SealDigest{}, "", err
	}
	if prev != nil {
		return d, OutcomeInvalidated, nil
	}
	return d, OutcomeSealed, nil
}

// Verify recomputes every hash in d and checks the signature.
func Verify(d ir.SealDigest, signer Signer) error {
	fail := func(format string, args ...any) error {
		return &Error{Code: ir.CodeSealVerifyFailed, Message: fmt.Sprintf(format, args...)}
	}

	out := ir.CarryOutput{Rows: d.FinalRows, TargetTotalMinor: d.TargetTotalMinor}
	if got := out.Sum(); got != d.AchievedTotalMinor || d.Remainder != 0 || got != d.TargetTotalMinor {
		return fail("totals do not balance: achieved %d, target %d, remainder %d", got, d.TargetTotalMinor, d.Remainder)
	}

	sealHash, err := ir.OutputsDigest(d.FinalRows, d.TargetTotalMinor)
	if err != nil {
		return err
	}
	if sealHash != d.SealHash || sealHash != d.Tier0Root.OutputsDigest {
		return fail("seal hash mismatch: recomputed %s", sealHash)
	}

	fp, err := ir.CarryFingerprint(out)
	if err != nil {
		return err
	}
	if fp != d.CarryFingerprint {
		return fail("carry fingerprint mismatch: recomputed %s", fp)
	}

	manifest, err := ir.ManifestHash(d.Tier0Root)
	if err != nil {
		return err
	}
	if manifest != d.Tier0Root.ManifestHash {
		return fail("manifest hash mismatch: recomputed %s", manifest)
	}
	if d.Tier0Root.Window != d.Window {
		return fail("tier0 window %q does not match seal window %q", d.Tier0Root.Window, d.Window)
	}

	if err := signer.Verify(d.Signature, d.SealHash); err != nil {
		return fail("%v", err)
	}
	return nil
}

// Note renders the transcript entry for a seal outcome.
func Note(d ir.SealDigest, outcome Outcome) ir.Note {
	code := ir.CodeSealed
	switch outcome {
	case OutcomeReused:
		code = ir.CodeSealReused
	case OutcomeInvalidated:
		code = ir.CodeSealInvalidated
	}
	return ir.Note{
		Stage: Stage,
		Code:  code,
		Detail: map[string]string{
			"seal_hash":            d.SealHash,
			"manifest_hash":        d.Tier0Root.ManifestHash,
			"target_total_minor":   strconv.FormatInt(d.TargetTotalMinor, 10),
			"achieved_total_minor": strconv.FormatInt(d.AchievedTotalMinor, 10),
			"signer_id":            d.Signature.SignerID,
		},
	}
}
