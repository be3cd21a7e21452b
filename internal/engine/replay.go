package engine

// # Replay
//
// Every stage output is a pure function of the ingress ledger, the stage
// parameters and the fold order, so recomputing a window from its ledger
// must land on the same seal hash. Replay does exactly that in an isolated
// in-memory store and compares the result to the stored seal.
//
// materialized_at and the carry ledger count only feed the manifest hash;
// the seal hash covers the final rows and target alone, which is why the
// comparison is on the seal hash.

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/store"
)

// ReplayResult reports whether recomputation reproduced the stored seal.
type ReplayResult struct {
	Window   string `json:"window"`
	Records  int    `json:"records"`
	Stored   string `json:"stored_seal_hash"`
	Replayed string `json:"replayed_seal_hash"`
	Match    bool   `json:"match"`
}

// Replay recomputes the window from its ingress ledger and compares the
// resulting seal hash with the stored one. The source store is only read.
func (e *Engine) Replay(ctx context.Context, opts RunOptions) (ReplayResult, error) {
	res := ReplayResult{Window: e.opts.Window}
	if err := e.checkTenant(ctx, "replay"); err != nil {
		return res, err
	}

	var stored ir.SealDigest
	if _, err := e.store.GetArtifactJSON(ctx, e.opts.Window, store.KeySealResult, &stored); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return res, upstreamMissing("replay", store.KeySealResult)
		}
		return res, err
	}
	res.Stored = stored.SealHash

	records, err := e.store.ReadIngress(ctx, e.opts.Tenant, e.opts.Window)
	if err != nil {
		return res, err
	}
	res.Records = len(records)

	scratch, err := store.OpenMemory()
	if err != nil {
		return res, fmt.Errorf("replay: open scratch store: %w", err)
	}
	defer scratch.Close()

	for _, rec := range records {
		if _, err := scratch.AppendIngress(ctx, e.opts.Tenant, e.opts.Window, rec); err != nil {
			return res, fmt.Errorf("replay: copy ingress seq %d: %w", rec.Seq, err)
		}
	}

	replayOpts := e.opts
	replayOpts.Exporter = nil
	replayOpts.Logger = e.opts.Logger.With("replay", true)
	out, err := New(scratch, replayOpts).Run(ctx, opts)
	if err != nil {
		return res, fmt.Errorf("replay: %w", err)
	}

	res.Replayed = out.Seal.Digest.SealHash
	res.Match = res.Replayed == res.Stored
	if !res.Match {
		e.log.Error("replay diverged", "stored", res.Stored, "replayed", res.Replayed)
	} else {
		e.log.Info("replay matched", "seal_hash", res.Stored, "records", res.Records)
	}
	return res, nil
}
