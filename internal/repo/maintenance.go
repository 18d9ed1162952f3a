package repo

import (
	"context"
	"fmt"

	"vaultkeep/internal/bundle"
	"vaultkeep/internal/bundledb"
	"vaultkeep/internal/chunkindex"
	"vaultkeep/internal/hashsum"
	"vaultkeep/internal/vaulterr"
)

// RebuildIndex clears the Index and reinserts every (hash → Location)
// pair derived from the Bundle Map's chunk-lists (spec.md §4.8
// "rebuild_index").
func (r *Repository) RebuildIndex(ctx context.Context) error {
	return r.withExclusive(func() error {
		if err := r.index.Clear(); err != nil {
			return err
		}
		for _, e := range r.bmap.Bundles() {
			_, entries, err := r.db.GetChunkList(e.CID)
			if err != nil {
				return err
			}
			for i, entry := range entries {
				if err := r.index.Set(entry.Hash, chunkindex.Location{Bundle: e.ID, Chunk: uint32(i)}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// BundleUsage is one bundle's reachability report, as produced by
// AnalyzeUsage (spec.md §4.8 "analyze_usage").
type BundleUsage struct {
	ID         uint32
	Info       bundledb.Info
	ChunkUsage []bool
	UsedSize   int64
	UnusedSize int64
	UsageRatio float64
}

// AnalyzeUsage reports, per bundle, which of its chunks the Index still
// references.
func (r *Repository) AnalyzeUsage(ctx context.Context) ([]BundleUsage, error) {
	var out []BundleUsage
	err := r.withShared(func() error {
		var innerErr error
		out, innerErr = r.analyzeUsageLocked()
		return innerErr
	})
	return out, err
}

func (r *Repository) analyzeUsageLocked() ([]BundleUsage, error) {
	used := map[uint32]map[uint32]bool{}
	r.index.Iter(func(_ hashsum.Sum, loc chunkindex.Location) bool {
		m, ok := used[loc.Bundle]
		if !ok {
			m = map[uint32]bool{}
			used[loc.Bundle] = m
		}
		m[loc.Chunk] = true
		return true
	})

	out := make([]BundleUsage, 0, r.bmap.Len())
	for _, e := range r.bmap.Bundles() {
		info, entries, err := r.db.GetChunkList(e.CID)
		if err != nil {
			return nil, err
		}
		usage := make([]bool, len(entries))
		var usedSize, unusedSize int64
		for i, entry := range entries {
			if used[e.ID][uint32(i)] {
				usage[i] = true
				usedSize += int64(entry.RawLength)
			} else {
				unusedSize += int64(entry.RawLength)
			}
		}
		ratio := 0.0
		if info.RawSize > 0 {
			ratio = float64(usedSize) / float64(info.RawSize)
		}
		out = append(out, BundleUsage{
			ID:         e.ID,
			Info:       info,
			ChunkUsage: usage,
			UsedSize:   usedSize,
			UnusedSize: unusedSize,
			UsageRatio: ratio,
		})
	}
	return out, nil
}

// VacuumReport summarizes a vacuum run. When Forced is false, the run was
// a dry pass: nothing was rewritten or deleted, and Reclaimable reports
// the bytes a forced run would recover.
type VacuumReport struct {
	Reclaimable int64
	Bundles     []uint32
	Forced      bool
}

// Vacuum reclaims space from bundles whose usage ratio has fallen to or
// below ratio, optionally also combining small bundles, executing the
// rewrite only if force is true (spec.md §4.8 "vacuum").
func (r *Repository) Vacuum(ctx context.Context, ratio float64, combine bool, force bool) (VacuumReport, error) {
	if err := r.Flush(ctx); err != nil {
		return VacuumReport{}, err
	}

	var report VacuumReport
	err := r.withExclusive(func() error {
		if err := r.setDirty(); err != nil {
			return err
		}

		usage, err := r.analyzeUsageLocked()
		if err != nil {
			return err
		}

		rewriteSet := selectRewriteSet(usage, ratio)
		if combine {
			rewriteSet = addCombineCandidates(rewriteSet, usage, r.cfg.BundleSize)
		}

		var reclaimable int64
		byID := map[uint32]BundleUsage{}
		for _, u := range usage {
			byID[u.ID] = u
		}
		ids := make([]uint32, 0, len(rewriteSet))
		for id := range rewriteSet {
			ids = append(ids, id)
			reclaimable += byID[id].UnusedSize
		}

		report = VacuumReport{Reclaimable: reclaimable, Bundles: ids, Forced: force}
		if !force {
			return r.setClean()
		}

		if err := r.rewriteSetLocked(ctx, rewriteSet, byID); err != nil {
			return err
		}
		if err := r.flushLocked(ctx); err != nil {
			return err
		}
		if err := r.assertNoSurvivingReferences(rewriteSet); err != nil {
			return err
		}
		for id := range rewriteSet {
			cid, ok := r.bmap.Get(id)
			if !ok {
				continue
			}
			if err := r.db.DeleteBundle(ctx, cid); err != nil {
				return err
			}
			r.bmap.Remove(id)
		}
		if err := r.bmap.Save(bundleMapPath(r.path)); err != nil {
			return err
		}
		return r.setClean()
	})
	return report, err
}

func selectRewriteSet(usage []BundleUsage, ratio float64) map[uint32]struct{} {
	set := map[uint32]struct{}{}
	for _, u := range usage {
		if u.UsageRatio <= ratio {
			set[u.ID] = struct{}{}
		}
	}
	return set
}

// addCombineCandidates adds bundles whose encoded size is under a quarter
// of the target bundle size, per mode, but only when at least two such
// small bundles exist for that mode — rewriting a lone small bundle would
// just recreate an identical lone small bundle.
func addCombineCandidates(set map[uint32]struct{}, usage []BundleUsage, bundleSize int64) map[uint32]struct{} {
	threshold := bundleSize / 4
	small := map[bundle.Mode][]uint32{}
	for _, u := range usage {
		if u.Info.EncodedSize < threshold {
			small[u.Info.Mode] = append(small[u.Info.Mode], u.ID)
		}
	}
	for _, ids := range small {
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids {
			set[id] = struct{}{}
		}
	}
	return set
}

// rewriteSetLocked carries every live chunk in the rewrite set forward
// into a fresh bundle via put_chunk_override, and drops the rest (which
// the Index no longer references anyway).
func (r *Repository) rewriteSetLocked(ctx context.Context, set map[uint32]struct{}, byID map[uint32]BundleUsage) error {
	for id := range set {
		u := byID[id]
		_, entries, err := r.db.GetChunkList(u.Info.ContentID)
		if err != nil {
			return err
		}
		for i := range entries {
			if !u.ChunkUsage[i] {
				continue
			}
			raw, err := r.db.GetChunk(ctx, u.Info.ContentID, i, r.comp, r.seal)
			if err != nil {
				return err
			}
			if _, err := r.putChunkLocked(ctx, u.Info.Mode, raw, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// assertNoSurvivingReferences is Invariant V (spec.md §4.8 step 7): after
// rewriting and flushing, nothing in the Index may still point into a
// bundle about to be deleted.
func (r *Repository) assertNoSurvivingReferences(set map[uint32]struct{}) error {
	var violation uint32
	found := false
	r.index.Iter(func(_ hashsum.Sum, loc chunkindex.Location) bool {
		if _, in := set[loc.Bundle]; in {
			violation = loc.Bundle
			found = true
			return false
		}
		return true
	})
	if found {
		return vaulterr.New(vaulterr.KindIndexCorrupt,
			fmt.Sprintf("vacuum invariant violated: index still references bundle %d slated for deletion", violation))
	}
	return nil
}

// CheckReport summarizes an integrity check pass.
type CheckReport struct {
	DirtyAtStart    bool
	BundleErrors    []string
	IndexErrors     []string
	RepairedIndex   int
	CleanedOnFinish bool
}

// CheckOptions selects which checks to run (spec.md §4.8 "Integrity
// check").
type CheckOptions struct {
	Bundles    bool // check_bundles
	BundleData bool // within check_bundles, also verify per-chunk hashes
	Index      bool // check_index
	Repair     bool // drop dangling index entries / accept the unclean-shutdown state
}

// Check runs the requested integrity passes and, if everything passes and
// no dirty flag blocks it, calls set_clean.
func (r *Repository) Check(ctx context.Context, opts CheckOptions) (CheckReport, error) {
	var report CheckReport
	run := r.withShared
	if opts.Repair {
		run = r.withExclusive // repair deletes dangling index entries
	}
	err := run(func() error {
		report.DirtyAtStart = r.dirty
		if r.dirty && !opts.Repair {
			return vaulterr.New(vaulterr.KindDirtyRepository, "repository was not cleanly closed; run check with repair to clear")
		}

		if opts.Bundles {
			report.BundleErrors = r.checkBundlesLocked(ctx, opts.BundleData)
		}
		if opts.Index {
			errs, repaired, err := r.checkIndexLocked(opts.Repair)
			if err != nil {
				return err
			}
			report.IndexErrors = errs
			report.RepairedIndex = repaired
		}

		if len(report.BundleErrors) == 0 && len(report.IndexErrors) == 0 {
			report.CleanedOnFinish = true
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	if report.CleanedOnFinish {
		if err := r.withExclusive(func() error { return r.setClean() }); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Repository) checkBundlesLocked(ctx context.Context, withData bool) []string {
	var errs []string
	for _, e := range r.bmap.Bundles() {
		info, entries, err := r.db.GetChunkList(e.CID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("bundle %d: %v", e.ID, err))
			continue
		}
		if !withData {
			continue
		}
		for i, entry := range entries {
			raw, err := r.db.GetChunk(ctx, info.ContentID, i, r.comp, r.seal)
			if err != nil {
				errs = append(errs, fmt.Sprintf("bundle %d chunk %d: %v", e.ID, i, err))
				continue
			}
			if got := r.hasher.Sum(raw); !hashEqual(got, entry.Hash) {
				errs = append(errs, fmt.Sprintf("bundle %d chunk %d: hash mismatch", e.ID, i))
			}
		}
	}
	return errs
}

func (r *Repository) checkIndexLocked(repair bool) ([]string, int, error) {
	var errs []string
	var dangling []hashsum.Sum
	r.index.Iter(func(hash hashsum.Sum, loc chunkindex.Location) bool {
		if _, ok := r.bmap.Get(loc.Bundle); !ok {
			errs = append(errs, fmt.Sprintf("index entry for bundle %d has no Bundle Map entry", loc.Bundle))
			dangling = append(dangling, hash)
		}
		return true
	})
	repaired := 0
	if repair {
		for _, h := range dangling {
			if err := r.index.Delete(h); err != nil {
				return errs, repaired, err
			}
			repaired++
		}
	}
	return errs, repaired, nil
}

func hashEqual(a, b hashsum.Sum) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
