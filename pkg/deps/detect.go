package deps

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"regexp"

	"github.com/vea-project/runtime/pkg/log"
	"github.com/vea-project/runtime/pkg/types"
	"github.com/vea-project/runtime/pkg/verrors"
)

var pyImportRe = regexp.MustCompile(`^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// knownPyPackages maps an imported module name to its PyPI distribution
// name, for the small set of common packages worth auto-detecting.
var knownPyPackages = map[string]string{
	"requests": "requests",
	"numpy":    "numpy",
	"flask":    "flask",
	"yaml":     "pyyaml",
}

// DetectPythonImports scans script source for top-level import statements
// and returns any recognized common packages not already declared. This is
// a fallback auto-detection pass (spec.md §4.3): it never substitutes for,
// and never fails, a declared-dependency install.
func DetectPythonImports(source []byte, declared []types.DependencyRef) []types.DependencyRef {
	already := map[string]bool{}
	for _, d := range declared {
		already[d.Name] = true
	}

	seen := map[string]bool{}
	var extra []types.DependencyRef

	scanner := bufio.NewScanner(bytes.NewReader(source))
	for scanner.Scan() {
		m := pyImportRe.FindSubmatch(scanner.Bytes())
		if m == nil {
			continue
		}
		module := string(m[1])
		pkg, known := knownPyPackages[module]
		if !known || already[pkg] || seen[pkg] {
			continue
		}
		seen[pkg] = true
		extra = append(extra, types.DependencyRef{Ecosystem: string(EcosystemPip), Name: pkg})
	}
	return extra
}

// ResolveWithDetection resolves declared dependencies (failures propagate)
// and then attempts any auto-detected ones best-effort: their failures are
// recorded in the catalog and logged but never returned, per spec.md §4.3
// ("this detection is a fallback, never a substitute for declared
// dependencies").
func (in *Installer) ResolveWithDetection(ctx context.Context, appID string, declared []types.DependencyRef, source []byte) error {
	targetDir := in.depsDir(appID)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return verrors.Internal(appID, "failed to create dependency directory", err)
	}
	if err := in.writeManifest(appID, targetDir, declared); err != nil {
		return err
	}

	var firstFailure error
	for _, dep := range declared {
		if err := in.installOne(ctx, appID, targetDir, dep); err != nil && firstFailure == nil {
			firstFailure = err
		}
	}
	if firstFailure != nil {
		return firstFailure
	}

	for _, dep := range DetectPythonImports(source, declared) {
		if err := in.installOne(ctx, appID, targetDir, dep); err != nil {
			log.WithAppID(appID).Debug().Str("name", dep.Name).Err(err).Msg("auto-detected dependency failed, ignoring")
		}
	}
	return nil
}
