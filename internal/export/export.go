// Package export publishes sealed digests outside the store.
//
// A fresh seal is written once as canonical JSON under
// <prefix>/<window>/seal-<seal_hash>.json. The object name carries the seal
// hash, so re-exporting the same digest rewrites identical bytes.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/roach88/vgomini/internal/config"
	"github.com/roach88/vgomini/internal/ir"
)

// ObjectKey returns the object path of a digest under prefix.
func ObjectKey(prefix string, d ir.SealDigest) string {
	return path.Join(prefix, d.Window, "seal-"+d.SealHash+".json")
}

// Encode renders a digest as canonical JSON.
func Encode(d ir.SealDigest) ([]byte, error) {
	if d.FinalRows == nil {
		d.FinalRows = []ir.FinalRow{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("export: marshal digest: %w", err)
	}
	v, err := ir.UnmarshalIRValue(raw)
	if err != nil {
		return nil, fmt.Errorf("export: digest is not canonical-safe: %w", err)
	}
	return ir.MarshalCanonical(v)
}

// Decode reads an exported digest back.
func Decode(data []byte) (ir.SealDigest, error) {
	var d ir.SealDigest
	if err := json.Unmarshal(data, &d); err != nil {
		return ir.SealDigest{}, fmt.Errorf("export: decode digest: %w", err)
	}
	return d, nil
}

// Exporter is the seal publication contract the engine calls.
type Exporter interface {
	Export(ctx context.Context, d ir.SealDigest) (string, error)
}

// New builds the exporter selected by cfg. Kind none (or empty) returns nil.
func New(ctx context.Context, cfg config.ExportConfig) (Exporter, error) {
	switch cfg.Kind {
	case config.ExportNone, "":
		return nil, nil
	case config.ExportLocal:
		return NewLocalExporter(cfg.Dir, cfg.Prefix), nil
	case config.ExportS3:
		return NewS3Exporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("export: unknown kind %q", cfg.Kind)
	}
}
