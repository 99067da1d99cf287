// Package workspace is the Workspace Manager: per-job directory layout,
// safe filename handling, input hashing, and bundle emission. No example in
// the corpus wraps archive/zip behind a third-party library, so this
// component is built directly on the standard library.
package workspace

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"jobforge.dev/orchestrator/internal/core/ports"
)

var filenameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

type Manager struct {
	dataRoot           string
	maxUploadFileBytes int64
}

// New picks dataRoot if it is writable, falling back to a process-scoped
// temp directory per §4.2 ("When DATA_ROOT is not writable, fall back to a
// process-scoped writable root").
func New(dataRoot string, maxUploadFileBytes int64) (*Manager, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		fallback, ferr := os.MkdirTemp("", "jobforge-data-")
		if ferr != nil {
			return nil, fmt.Errorf("create fallback data root: %w", ferr)
		}
		dataRoot = fallback
	}
	return &Manager{dataRoot: dataRoot, maxUploadFileBytes: maxUploadFileBytes}, nil
}

func (m *Manager) Root() string { return m.dataRoot }

func (m *Manager) jobDir(jobID string) string {
	return filepath.Join(m.dataRoot, jobID)
}

// Create lays out the standard directory structure per §4.2 so the executor
// never has to branch on which directory exists.
func (m *Manager) Create(ctx context.Context, jobID string) (string, error) {
	root := m.jobDir(jobID)
	for _, segment := range []string{"job", "inputs", "outputs", "logs", "bundle"} {
		if err := os.MkdirAll(filepath.Join(root, segment), 0o755); err != nil {
			return "", fmt.Errorf("create workspace segment %s: %w", segment, err)
		}
	}
	return root, nil
}

func (m *Manager) WriteRequest(ctx context.Context, jobID, requirementText string) error {
	path := filepath.Join(m.jobDir(jobID), "job", "request.md")
	return os.WriteFile(path, []byte(strings.TrimSpace(requirementText)+"\n"), 0o644)
}

func (m *Manager) WriteExecutionPlan(ctx context.Context, jobID string, plan any) error {
	b, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution plan: %w", err)
	}
	path := filepath.Join(m.jobDir(jobID), "job", "execution-plan.json")
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// SanitizeFilename reduces an upload's filename to a basename stripped of
// control characters and whitelisted to a safe alphabet.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	clean := strings.TrimSpace(filepath.Base(name))
	clean = filenameUnsafe.ReplaceAllString(clean, "_")
	if clean == "" || clean == "." || clean == ".." {
		return "upload.bin"
	}
	return clean
}

// SaveUpload stores one uploaded file under inputs/, rejecting empty
// content and content above the configured per-file cap, and resolving
// filename collisions with a numeric suffix.
func (m *Manager) SaveUpload(ctx context.Context, jobID string, filename string, r io.Reader) (string, int64, string, error) {
	safeName := SanitizeFilename(filename)
	inputsDir := filepath.Join(m.jobDir(jobID), "inputs")

	target := filepath.Join(inputsDir, safeName)
	ext := filepath.Ext(safeName)
	stem := strings.TrimSuffix(safeName, ext)
	for idx := 1; fileExists(target); idx++ {
		target = filepath.Join(inputsDir, fmt.Sprintf("%s_%d%s", stem, idx, ext))
	}

	limited := io.LimitReader(r, m.maxUploadFileBytes+1)
	hasher := sha256.New()
	f, err := os.Create(target)
	if err != nil {
		return "", 0, "", fmt.Errorf("create input file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(io.MultiWriter(f, hasher), limited)
	if err != nil {
		return "", 0, "", fmt.Errorf("write input file: %w", err)
	}
	if written == 0 {
		os.Remove(target)
		return "", 0, "", fmt.Errorf("empty upload is not allowed: %s", filename)
	}
	if written > m.maxUploadFileBytes {
		os.Remove(target)
		return "", 0, "", fmt.Errorf("file exceeds size limit: %s", filename)
	}

	relPath := filepath.Join("inputs", filepath.Base(target))
	return relPath, written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (m *Manager) WriteLastMessage(ctx context.Context, jobID, text string) error {
	path := filepath.Join(m.jobDir(jobID), "logs", "agent-last-message.md")
	return os.WriteFile(path, []byte(text), 0o644)
}

// HashInput re-hashes an input file at verification time; the executor
// compares this against the sha256 recorded at creation to detect tamper.
func (m *Manager) HashInput(ctx context.Context, jobID, relativePath string) (string, error) {
	return sha256File(filepath.Join(m.jobDir(jobID), relativePath))
}

// BuildBundle enumerates outputs/**, plus the fixed set of context files,
// writes a deterministic manifest.json, and zips everything into
// bundle/result.zip per §4.2/§6.3.
func (m *Manager) BuildBundle(ctx context.Context, jobID, sessionID string) (string, []ports.BundleEntry, error) {
	root := m.jobDir(jobID)
	outputsRoot := filepath.Join(root, "outputs")

	var entries []ports.BundleEntry
	err := filepath.Walk(outputsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := sha256File(path)
		if err != nil {
			return err
		}
		entries = append(entries, ports.BundleEntry{
			RelativePath: filepath.ToSlash(rel),
			SizeBytes:    info.Size(),
			SHA256:       sum,
		})
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("collect output entries: %w", err)
	}

	for _, rel := range []string{"job/execution-plan.json", "job/request.md", "logs/agent-last-message.md"} {
		abs := filepath.Join(root, rel)
		info, statErr := os.Stat(abs)
		if statErr != nil || info.IsDir() {
			continue
		}
		sum, err := sha256File(abs)
		if err != nil {
			return "", nil, err
		}
		entries = append(entries, ports.BundleEntry{RelativePath: rel, SizeBytes: info.Size(), SHA256: sum})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })

	manifest := map[string]any{
		"job_id":       jobID,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"entries":      entries,
	}
	if sessionID != "" {
		manifest["session_id"] = sessionID
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestBytes = append(manifestBytes, '\n')

	bundleDir := filepath.Join(root, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return "", nil, fmt.Errorf("write manifest: %w", err)
	}

	bundlePath := filepath.Join(bundleDir, "result.zip")
	if err := writeZip(bundlePath, root, entries, manifestBytes); err != nil {
		return "", nil, fmt.Errorf("build zip bundle: %w", err)
	}

	bundleInfo, err := os.Stat(bundlePath)
	if err != nil {
		return "", nil, fmt.Errorf("stat zip bundle: %w", err)
	}
	bundleSum, err := sha256File(bundlePath)
	if err != nil {
		return "", nil, fmt.Errorf("hash zip bundle: %w", err)
	}
	entries = append(entries, ports.BundleEntry{
		RelativePath: "bundle/result.zip",
		SizeBytes:    bundleInfo.Size(),
		SHA256:       bundleSum,
	})

	return "bundle/result.zip", entries, nil
}

func (m *Manager) OpenForDownload(ctx context.Context, jobID, relativePath string) (io.ReadCloser, int64, error) {
	abs := filepath.Join(m.jobDir(jobID), relativePath)
	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func writeZip(bundlePath, workspaceRoot string, entries []ports.BundleEntry, manifestBytes []byte) error {
	zf, err := os.Create(bundlePath)
	if err != nil {
		return err
	}
	defer zf.Close()

	zw := zip.NewWriter(zf)
	defer zw.Close()

	for _, entry := range entries {
		if err := addFileToZip(zw, filepath.Join(workspaceRoot, filepath.FromSlash(entry.RelativePath)), entry.RelativePath); err != nil {
			return err
		}
	}

	w, err := zw.Create("manifest.json")
	if err != nil {
		return err
	}
	_, err = w.Write(manifestBytes)
	return err
}

func addFileToZip(zw *zip.Writer, absPath, arcName string) error {
	src, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(arcName)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
