// Package deps is the Dependency Installer (spec.md C3): it materializes an
// Application's declared libraries into a per-app read-only directory that
// the Execution Engine bind-mounts into the container. Grounded on the
// teacher's pkg/volume/local.go driver-registry pattern, generalized from
// volume drivers to ecosystem installers.
package deps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vea-project/runtime/pkg/log"
	"github.com/vea-project/runtime/pkg/metrics"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
	"github.com/vea-project/runtime/pkg/verrors"
)

// Ecosystem identifies a package manager an installer can drive.
type Ecosystem string

const (
	EcosystemPip Ecosystem = "pip"
	EcosystemNpm Ecosystem = "npm"
)

// EcosystemInstaller drives one ecosystem-native package manager into a
// target directory. Mirrors the teacher's volume.VolumeDriver shape.
type EcosystemInstaller interface {
	Install(ctx context.Context, targetDir string, dep types.DependencyRef) error
}

// manifest is the per-app declared-dependency record written alongside the
// materialized library tree (spec.md §4.3: "writes a manifest file").
type manifest struct {
	AppID        string                `json:"app_id"`
	Dependencies []types.DependencyRef `json:"dependencies"`
}

// Installer resolves an Application's declared dependencies.
type Installer struct {
	store      storage.Store
	installers map[Ecosystem]EcosystemInstaller
	depsDir    func(appID string) string
}

// New constructs an Installer with the pip/npm command-line installers
// registered. depsDir resolves the per-app target directory (pkg/paths).
func New(store storage.Store, depsDir func(appID string) string) *Installer {
	return &Installer{
		store: store,
		installers: map[Ecosystem]EcosystemInstaller{
			EcosystemPip: pipInstaller{},
			EcosystemNpm: npmInstaller{},
		},
		depsDir: depsDir,
	}
}

// Resolve materializes declared dependencies for appID. Policy (spec.md
// §4.3): installation is attempted for every declared dependency; overall
// Resolve fails with DependencyFailed if any declared dependency fails,
// even though each is attempted independently and all outcomes are
// recorded. Resolve never fails because of purely auto-detected packages.
func (in *Installer) Resolve(ctx context.Context, appID string, declared []types.DependencyRef) error {
	targetDir := in.depsDir(appID)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return verrors.Internal(appID, "failed to create dependency directory", err)
	}

	if err := in.writeManifest(appID, targetDir, declared); err != nil {
		return err
	}

	var firstFailure error
	for _, dep := range declared {
		if err := in.installOne(ctx, appID, targetDir, dep); err != nil {
			if firstFailure == nil {
				firstFailure = err
			}
		}
	}

	return firstFailure
}

// installOne attempts a single dependency and records its outcome. The
// returned error is a *verrors.Error of kind DependencyFailed; callers
// decide whether that failure should propagate (declared dependencies do,
// auto-detected ones don't, per spec.md §4.3).
func (in *Installer) installOne(ctx context.Context, appID, targetDir string, dep types.DependencyRef) error {
	record := &types.Dependency{
		AppID:     appID,
		Ecosystem: dep.Ecosystem,
		Name:      dep.Name,
		Version:   dep.Version,
		Status:    types.DependencyDeclared,
	}

	installer, ok := in.installers[Ecosystem(dep.Ecosystem)]
	if !ok {
		record.Status = types.DependencyFailed
		record.Error = fmt.Sprintf("unknown ecosystem %q", dep.Ecosystem)
		_ = in.store.PutDependency(record)
		return verrors.DependencyFailed(appID, record.Error)
	}

	timer := metrics.NewTimer()
	var outcome error
	if err := installer.Install(ctx, targetDir, dep); err != nil {
		record.Status = types.DependencyFailed
		record.Error = err.Error()
		log.WithAppID(appID).Warn().Str("ecosystem", dep.Ecosystem).Str("name", dep.Name).Err(err).Msg("dependency install failed")
		outcome = verrors.DependencyFailed(appID, fmt.Sprintf("%s/%s: %v", dep.Ecosystem, dep.Name, err))
	} else {
		record.Status = types.DependencyInstalled
	}
	timer.ObserveDurationVec(metrics.DependencyInstallDuration, dep.Ecosystem, string(record.Status))

	if perr := in.store.PutDependency(record); perr != nil {
		return verrors.Internal(appID, "failed to record dependency outcome", perr)
	}
	return outcome
}

func (in *Installer) writeManifest(appID, targetDir string, declared []types.DependencyRef) error {
	m := manifest{AppID: appID, Dependencies: declared}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return verrors.Internal(appID, "failed to marshal dependency manifest", err)
	}
	if err := os.WriteFile(filepath.Join(targetDir, "manifest.json"), data, 0644); err != nil {
		return verrors.Internal(appID, "failed to write dependency manifest", err)
	}
	return nil
}

// pipInstaller shells out to pip with --target, matching how the teacher's
// LocalDriver materializes a directory rather than using a library client.
type pipInstaller struct{}

func (pipInstaller) Install(ctx context.Context, targetDir string, dep types.DependencyRef) error {
	spec := dep.Name
	if dep.Version != "" {
		spec = dep.Name + "==" + dep.Version
	}
	cmd := exec.CommandContext(ctx, "pip", "install", "--no-input", "--target", targetDir, spec)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pip install %s: %w: %s", spec, err, out)
	}
	return nil
}

type npmInstaller struct{}

func (npmInstaller) Install(ctx context.Context, targetDir string, dep types.DependencyRef) error {
	spec := dep.Name
	if dep.Version != "" {
		spec = dep.Name + "@" + dep.Version
	}
	cmd := exec.CommandContext(ctx, "npm", "install", "--prefix", targetDir, spec)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install %s: %w: %s", spec, err, out)
	}
	return nil
}
