package vault

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemos/internal/logging"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// Finding is one integrity-audit discrepancy. No plaintext, no keys.
type Finding struct {
	Kind     types.AuditFinding `json:"kind"`
	Path     string             `json:"path"`
	SourceID types.SourceID     `json:"source_id,omitempty"`
}

// Auditor reconciles the manifest against the vault directory.
type Auditor struct {
	vault *Vault
	st    *store.LocalStore

	// missingGrace separates a blob mid-rename from one actually gone.
	missingGrace time.Duration
}

// NewAuditor builds an auditor over the vault and manifest.
func NewAuditor(v *Vault, st *store.LocalStore) *Auditor {
	return &Auditor{vault: v, st: st, missingGrace: 250 * time.Millisecond}
}

// Run checks every manifest row against the filesystem and every vault file
// against the manifest. Digest checks run in parallel; findings come back
// in no particular order.
func (a *Auditor) Run(ctx context.Context) ([]Finding, error) {
	log := logging.Get(logging.CategoryVault)
	start := time.Now()

	var mu sync.Mutex
	var findings []Finding
	known := make(map[string]struct{})

	add := func(f Finding) {
		mu.Lock()
		findings = append(findings, f)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	type check struct {
		path   string
		digest string
		id     types.SourceID
	}
	var checks []check
	err := a.st.ListSources(ctx, func(src *store.Source) error {
		known[filepath.Clean(src.VaultPath)] = struct{}{}
		checks = append(checks, check{src.VaultPath, src.CipherDigest, src.ID})
		if src.PreservedPath != "" {
			known[filepath.Clean(src.PreservedPath)] = struct{}{}
			checks = append(checks, check{src.PreservedPath, src.PreservedCipherDigest, src.ID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range checks {
		g.Go(func() error {
			f, ok := a.checkBlob(gctx, c.path, c.digest, c.id)
			if ok {
				add(f)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Sweep the tree for files the manifest does not know about.
	err = filepath.WalkDir(a.vault.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(a.vault.Root(), path)
		if err != nil {
			return err
		}
		if _, ok := known[filepath.Clean(rel)]; !ok {
			add(Finding{Kind: types.FindingOrphan, Path: rel})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infow("vault audit complete", "sources", len(checks),
		"findings", len(findings), "took", time.Since(start))
	return findings, nil
}

// checkBlob classifies one manifest path. A blob that is absent gets one
// re-check after a short grace so an in-flight rename is not reported.
func (a *Auditor) checkBlob(ctx context.Context, relPath, wantDigest string, id types.SourceID) (Finding, bool) {
	got, _, err := a.vault.DigestAt(relPath)
	if err != nil && types.KindOf(err) == types.KindNotFound {
		select {
		case <-ctx.Done():
			return Finding{}, false
		case <-time.After(a.missingGrace):
		}
		got, _, err = a.vault.DigestAt(relPath)
	}
	switch {
	case err != nil && types.KindOf(err) == types.KindNotFound:
		return Finding{Kind: types.FindingMissing, Path: relPath, SourceID: id}, true
	case err != nil:
		return Finding{Kind: types.FindingCorrupt, Path: relPath, SourceID: id}, true
	case !strings.EqualFold(got, wantDigest):
		return Finding{Kind: types.FindingCorrupt, Path: relPath, SourceID: id}, true
	}
	return Finding{}, false
}
