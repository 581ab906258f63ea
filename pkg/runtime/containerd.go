package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace this runtime uses.
	DefaultNamespace = "vea"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdDriver implements Driver using containerd.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string

	streamsMu sync.Mutex
	streams   map[string]*ioStreams
}

// ioStreams holds the pipe pair a container's task was started with, so
// Attach can hand the read side to the output pipeline after Start has
// already committed the write side to cio.
type ioStreams struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
}

func (s *ioStreams) closeWriters() {
	_ = s.stdoutW.Close()
	_ = s.stderrW.Close()
}

// NewContainerdDriver connects to a local containerd daemon.
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	return &ContainerdDriver{
		client:    client,
		namespace: DefaultNamespace,
		streams:   make(map[string]*ioStreams),
	}, nil
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, d.namespace)
}

func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// EnsureImage pulls imageRef if it isn't already present locally.
func (d *ContainerdDriver) EnsureImage(ctx context.Context, imageRef string) (bool, error) {
	ctx = d.ctx(ctx)

	if _, err := d.client.GetImage(ctx, imageRef); err == nil {
		return true, nil
	}

	if _, err := d.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrImageMissing, imageRef, err)
	}
	return false, nil
}

func toSpecOpts(spec Spec) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithEnv(spec.Env),
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}

	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}
	if spec.CPUQuotaUs > 0 {
		period := uint64(spec.CPUPeriodUs)
		if period == 0 {
			period = 100000
		}
		opts = append(opts, oci.WithCPUCFS(spec.CPUQuotaUs, period))
	}

	var mounts []specs.Mount
	for _, m := range spec.Mounts {
		mOpts := []string{"rbind"}
		if m.ReadOnly {
			mOpts = append(mOpts, "ro")
		} else {
			mOpts = append(mOpts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     mOpts,
		})
	}
	for _, t := range spec.Tmpfs {
		tmpfsOpts := []string{}
		if t.NoExec {
			tmpfsOpts = append(tmpfsOpts, "noexec")
		}
		if t.NoSuid {
			tmpfsOpts = append(tmpfsOpts, "nosuid")
		}
		if t.SizeBytes > 0 {
			tmpfsOpts = append(tmpfsOpts, fmt.Sprintf("size=%d", t.SizeBytes))
		}
		mounts = append(mounts, specs.Mount{
			Source:      "tmpfs",
			Destination: t.Target,
			Type:        "tmpfs",
			Options:     tmpfsOpts,
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	return opts
}

// Create materializes a container from spec. Its name is used as the
// containerd container ID, which gives the uniqueness invariant of
// spec.md §4.2 for free: NewContainer fails if the name is already in use.
func (d *ContainerdDriver) Create(ctx context.Context, spec Spec) (string, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrImageMissing, spec.Image, err)
	}

	specOpts := append([]oci.SpecOpts{oci.WithImageConfig(image)}, toSpecOpts(spec)...)

	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	container, err := d.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		if containerd.IsNotFound(err) {
			return "", fmt.Errorf("%w: %v", ErrImageMissing, err)
		}
		return "", fmt.Errorf("%w: %v", ErrConflict, err)
	}

	return container.ID(), nil
}

func (d *ContainerdDriver) loadContainer(ctx context.Context, handle string) (containerd.Container, error) {
	c, err := d.client.LoadContainer(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, handle, err)
	}
	return c, nil
}

func (d *ContainerdDriver) Start(ctx context.Context, handle string) error {
	ctx = d.ctx(ctx)

	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		return err
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdoutW, stderrW)))
	if err != nil {
		stdoutW.Close()
		stderrW.Close()
		return fmt.Errorf("create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return fmt.Errorf("start task: %w", err)
	}

	d.streamsMu.Lock()
	d.streams[handle] = &ioStreams{stdoutR: stdoutR, stdoutW: stdoutW, stderrR: stderrR, stderrW: stderrW}
	d.streamsMu.Unlock()
	return nil
}

// Stop sends SIGTERM and waits up to gracefulTimeout before force-killing,
// matching the engine's stop algorithm in spec.md §4.4.
func (d *ContainerdDriver) Stop(ctx context.Context, handle string, gracefulTimeout time.Duration) error {
	ctx = d.ctx(ctx)

	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task: already stopped
	}

	stopCtx, cancel := context.WithTimeout(ctx, gracefulTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	d.streamsMu.Lock()
	if s, ok := d.streams[handle]; ok {
		s.closeWriters()
		delete(d.streams, handle)
	}
	d.streamsMu.Unlock()
	return nil
}

func (d *ContainerdDriver) Pause(ctx context.Context, handle string) error {
	ctx = d.ctx(ctx)
	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: no running task", ErrNotFound)
	}
	return task.Pause(ctx)
}

func (d *ContainerdDriver) Resume(ctx context.Context, handle string) error {
	ctx = d.ctx(ctx)
	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		return err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: no running task", ErrNotFound)
	}
	return task.Resume(ctx)
}

func (d *ContainerdDriver) Remove(ctx context.Context, handle string, force bool) error {
	ctx = d.ctx(ctx)

	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		if force {
			return nil
		}
		return err
	}

	if task, terr := container.Task(ctx, nil); terr == nil {
		if force {
			_ = d.Stop(ctx, handle, 0)
		} else if status, serr := task.Status(ctx); serr == nil && status.Status == containerd.Running {
			return fmt.Errorf("%w: container %s still running", ErrConflict, handle)
		}
	}

	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Attach returns the container's stdio streams. Start() binds a cio.Streams
// pipe pair to the task and stashes the read side here; LocalDriver exposes
// the pty fds directly for test purposes.
func (d *ContainerdDriver) Attach(ctx context.Context, handle string) (*Attachment, error) {
	ctx = d.ctx(ctx)

	if _, err := d.loadContainer(ctx, handle); err != nil {
		return nil, err
	}

	d.streamsMu.Lock()
	s, ok := d.streams[handle]
	d.streamsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("runtime: no stream binding for %s, it was not started via this driver", handle)
	}
	return &Attachment{Stdout: s.stdoutR, Stderr: s.stderrR}, nil
}

func (d *ContainerdDriver) Wait(ctx context.Context, handle string) (int, error) {
	ctx = d.ctx(ctx)

	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		return -1, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("%w: no running task", ErrNotFound)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("wait task: %w", err)
	}
	status := <-statusC
	return int(status.ExitCode()), status.Error()
}

func (d *ContainerdDriver) Inspect(ctx context.Context, handle string) (*Inspection, error) {
	ctx = d.ctx(ctx)

	container, err := d.loadContainer(ctx, handle)
	if err != nil {
		return &Inspection{Status: StatusMissing}, nil
	}

	info, err := container.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("container info: %w", err)
	}

	insp := &Inspection{
		Name:   info.ID,
		Labels: info.Labels,
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		insp.Status = StatusExited
		return insp, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}

	switch status.Status {
	case containerd.Running:
		insp.Status = StatusRunning
	case containerd.Paused:
		insp.Status = StatusPaused
	default:
		insp.Status = StatusExited
		insp.ExitCode = int(status.ExitStatus)
	}
	return insp, nil
}

// ListByLabel finds containers matching a label selector, used by the
// Reconciler to find orphans left behind by a crashed engine process.
func (d *ContainerdDriver) ListByLabel(ctx context.Context, key, value string) ([]Info, error) {
	ctx = d.ctx(ctx)

	filter := fmt.Sprintf("labels.%q==%q", key, value)
	containers, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, Info{Handle: c.ID(), Name: info.ID, Labels: info.Labels})
	}
	return infos, nil
}
