// Package evidence implements EvidenceBuilder: turns the raw evidence
// directory left behind inside a sandbox into a self-contained zip bundle
// on the host, under EVIDENCE_ROOT.
package evidence

import (
	"archive/tar"
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// Builder assembles the zip bundle for one run_id at a time. Distinct
// run_ids may build concurrently; Build itself does not serialize, relying
// on the unique constraint on evidence_bundles.run_id to prevent duplicate
// rows rather than an in-process lock.
type Builder struct {
	store store.Store
	root  string
}

// New returns a Builder writing zips under evidenceRoot.
func New(s store.Store, evidenceRoot string) *Builder {
	return &Builder{store: s, root: evidenceRoot}
}

// Build runs the full algorithm for runID: extract the sandbox's evidence
// directory, add the derived metadata files, zip, and update the bundle
// row. A build failure is recorded on the bundle row and is also returned
// as an error.
func (b *Builder) Build(ctx context.Context, runID string, driver contracts.SandboxDriver) error {
	bundle, err := b.store.GetEvidenceBundleByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("evidence: load bundle for run %s: %w", runID, err)
	}

	run, ws, err := b.loadRunAndWorkspace(ctx, runID)
	if err != nil {
		return b.fail(ctx, bundle, err.Error())
	}
	if ws.ContainerID == "" {
		return b.fail(ctx, bundle, "workspace container not available")
	}

	tempDir := filepath.Join(b.root, "temp", runID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return b.fail(ctx, bundle, fmt.Sprintf("create temp dir: %v", err))
	}
	defer os.RemoveAll(tempDir)

	if err := b.extractSandboxEvidence(ctx, driver, ws.ContainerID, runID, tempDir); err != nil {
		return b.fail(ctx, bundle, fmt.Sprintf("extract sandbox evidence: %v", err))
	}

	if err := writeDerivedFiles(tempDir, run, ws); err != nil {
		return b.fail(ctx, bundle, fmt.Sprintf("write derived files: %v", err))
	}

	bundlePath := filepath.Join(b.root, runID+".zip")
	if err := zipCanonicalLayout(tempDir, bundlePath, runID); err != nil {
		return b.fail(ctx, bundle, fmt.Sprintf("assemble zip: %v", err))
	}

	bundle.Status = models.BundleReady
	bundle.BundlePath = bundlePath
	bundle.ErrorMessage = ""
	bundle.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateEvidenceBundle(ctx, bundle); err != nil {
		return fmt.Errorf("evidence: persist ready bundle for run %s: %w", runID, err)
	}

	log.Info().Str("run_id", runID).Str("bundle_path", bundlePath).Msg("evidence: bundle ready")
	return nil
}

func (b *Builder) loadRunAndWorkspace(ctx context.Context, runID string) (*models.Run, *models.Workspace, error) {
	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("load run: %w", err)
	}
	ws, err := b.store.GetWorkspace(ctx, run.WorkspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load workspace: %w", err)
	}
	return run, ws, nil
}

func (b *Builder) fail(ctx context.Context, bundle *models.EvidenceBundle, message string) error {
	bundle.Status = models.BundleError
	bundle.ErrorMessage = message
	bundle.UpdatedAt = time.Now().UTC()
	if err := b.store.UpdateEvidenceBundle(ctx, bundle); err != nil {
		log.Error().Err(err).Str("bundle_id", bundle.ID).Msg("evidence: failed to persist error status")
	}
	return fmt.Errorf("evidence: %s", message)
}

// extractSandboxEvidence requests a tar stream of the run's evidence
// directory and writes every regular file it contains into destDir by
// basename, deliberately ignoring whatever directory structure the tar
// used — the source archive's top-level layout is not load-bearing.
func (b *Builder) extractSandboxEvidence(ctx context.Context, driver contracts.SandboxDriver, containerID, runID, destDir string) error {
	path := fmt.Sprintf("/workspace/evidence/%s/", runID)
	rc, err := driver.GetArchive(ctx, containerID, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := filepath.Join(destDir, filepath.Base(hdr.Name))
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

// writeDerivedFiles writes metadata.json, env_snapshot.json, and (if
// Run.Diff is non-empty) diff.patch into destDir.
func writeDerivedFiles(destDir string, run *models.Run, ws *models.Workspace) error {
	metadata := map[string]interface{}{
		"run":          run,
		"workspace":    ws,
		"generated_at": time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(destDir, "metadata.json"), metadata); err != nil {
		return err
	}

	envSnapshot := map[string]interface{}{
		"runSnapshot":       run.EnvSnapshot,
		"workspaceMetadata": ws.RuntimeMetadata,
	}
	if err := writeJSON(filepath.Join(destDir, "env_snapshot.json"), envSnapshot); err != nil {
		return err
	}

	if run.Diff != "" {
		if err := os.WriteFile(filepath.Join(destDir, "diff.patch"), []byte(run.Diff), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// canonicalFiles lists the files expected at the root of the bundle's
// run_id/ directory, in the order the spec's zip layout names them.
// Missing files are skipped rather than failing the bundle — only
// diff.patch and the agent-produced files are ever legitimately absent.
var canonicalFiles = []string{
	"metadata.json",
	"env_snapshot.json",
	"events.jsonl",
	"command_log.jsonl",
	"outputs.json",
	"diff.patch",
}

// zipCanonicalLayout creates destZip with every canonicalFiles entry found
// in srcDir nested under runID/, using klauspost/compress's flate
// implementation registered as the deflate compressor.
func zipCanonicalLayout(srcDir, destZip, runID string) error {
	out, err := os.Create(destZip)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	for _, name := range canonicalFiles {
		srcPath := filepath.Join(srcDir, name)
		content, err := os.ReadFile(srcPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			zw.Close()
			return err
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   runID + "/" + name,
			Method: zip.Deflate,
		})
		if err != nil {
			zw.Close()
			return err
		}
		if _, err := entry.Write(content); err != nil {
			zw.Close()
			return err
		}
	}

	return zw.Close()
}
