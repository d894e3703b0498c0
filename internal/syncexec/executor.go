// Package syncexec reconciles notes between the local file system and the
// remote store using a three-way comparison against the last synced state.
package syncexec

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"notesync/internal/clock"
	"notesync/internal/domain"
	"notesync/internal/localfs"
	"notesync/internal/remote"
	"notesync/internal/syncstate"
)

// SyncContext is built for each processing attempt and never persisted.
type SyncContext struct {
	Executor *Executor
	State    *syncstate.Store
	FS       localfs.FileSystem
	// ServerTime is the remote clock (epoch ms) as of this attempt. It is
	// refreshed from every remote response.
	ServerTime int64
}

// Result is what one path's reconciliation did.
type Result struct {
	Path         string             `json:"path"`
	Action       Action             `json:"action"`
	Conflict     bool               `json:"conflict,omitempty"`
	ConflictCopy string             `json:"conflictCopy,omitempty"`
	Baseline     *domain.SyncedFile `json:"baseline,omitempty"`
}

// Executor performs reconciliation against one active file system.
type Executor struct {
	fs     localfs.FileSystem
	remote remote.Client
	state  *syncstate.Store
	clock  clock.Clock
	log    zerolog.Logger
}

func NewExecutor(fsys localfs.FileSystem, rc remote.Client, state *syncstate.Store, clk clock.Clock, log zerolog.Logger) *Executor {
	return &Executor{fs: fsys, remote: rc, state: state, clock: clk, log: log}
}

// NewContext binds a fresh SyncContext to this executor.
func (e *Executor) NewContext(serverTime int64) *SyncContext {
	return &SyncContext{Executor: e, State: e.state, FS: e.fs, ServerTime: serverTime}
}

func (sc *SyncContext) observe(serverTime int64) {
	if serverTime > 0 {
		sc.ServerTime = serverTime
	}
}

func (e *Executor) skew(sc *SyncContext) int64 {
	if sc.ServerTime <= 0 {
		return 0
	}
	return sc.ServerTime - e.clock.Now().UnixMilli()
}

func (e *Executor) localInfo(ctx context.Context, p string) (*domain.FileInfo, error) {
	info, err := e.fs.FileInfo(ctx, p)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat local %s: %w", p, err)
	}
	return &info, nil
}

func (e *Executor) remoteInfo(ctx context.Context, sc *SyncContext, p string) (*domain.FileInfo, error) {
	info, st, err := e.remote.Stat(ctx, p)
	sc.observe(st)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat remote %s: %w", p, err)
	}
	return &info, nil
}

// Reconcile brings one path in line on both sides and records the new
// baseline. Reconciliations of the same path are serialized, and running
// one twice with nothing changed in between performs no transfer.
func (e *Executor) Reconcile(ctx context.Context, sc *SyncContext, p string) (Result, error) {
	p, err := localfs.Clean(p)
	if err != nil {
		return Result{}, err
	}
	if p == "" {
		return Result{}, fmt.Errorf("%w: empty path", localfs.ErrInvalidPath)
	}

	unlock := e.state.Lock(p)
	defer unlock()

	last, err := e.state.GetFile(ctx, p)
	if err != nil {
		return Result{}, err
	}
	local, err := e.localInfo(ctx, p)
	if err != nil {
		return Result{}, err
	}
	if local != nil && local.IsDir() {
		return Result{Path: p, Action: ActionNone}, nil
	}
	rem, err := e.remoteInfo(ctx, sc, p)
	if err != nil {
		return Result{}, err
	}

	d := Decide(last, local, rem, e.skew(sc))
	res := Result{Path: p, Action: d.Action, Conflict: d.Conflict}
	logger := e.log.With().Str("path", p).Str("action", string(d.Action)).Bool("conflict", d.Conflict).Logger()

	status := domain.SyncSynced
	if d.Conflict {
		status = domain.SyncConflict
	}

	var baseline *domain.SyncedFile
	switch d.Action {
	case ActionNone:
		return res, nil

	case ActionForget:
		if err := e.state.RemoveFile(ctx, p); err != nil {
			return res, err
		}
		logger.Debug().Msg("forgot path absent on both sides")
		return res, nil

	case ActionRecord:
		baseline = &domain.SyncedFile{Mtime: rem.Mtime, Size: rem.Size, Status: status}

	case ActionUpload:
		if d.Conflict && rem != nil {
			res.ConflictCopy, err = e.keepRemoteCopy(ctx, sc, p)
			if err != nil {
				return res, err
			}
		}
		baseline, err = e.upload(ctx, sc, p, local)
		if err != nil {
			return res, err
		}
		baseline.Status = status

	case ActionDownload:
		if d.Conflict && local != nil {
			res.ConflictCopy = conflictName(p, e.conflictStamp(sc))
			if err := e.fs.Rename(ctx, p, res.ConflictCopy); err != nil {
				return res, fmt.Errorf("keep local conflict copy: %w", err)
			}
		}
		baseline, err = e.download(ctx, sc, p)
		if err != nil {
			return res, err
		}
		baseline.Status = status

	case ActionDeleteRemote:
		st, err := e.remote.Delete(ctx, p)
		sc.observe(st)
		if err != nil {
			return res, fmt.Errorf("delete remote %s: %w", p, err)
		}
		if err := e.state.RemoveFile(ctx, p); err != nil {
			return res, err
		}
		logger.Info().Msg("deleted remote copy")
		return res, nil

	case ActionDeleteLocal:
		if err := e.fs.DeleteFile(ctx, p); err != nil {
			return res, fmt.Errorf("delete local %s: %w", p, err)
		}
		if err := e.state.RemoveFile(ctx, p); err != nil {
			return res, err
		}
		logger.Info().Msg("deleted local copy")
		return res, nil
	}

	if err := e.state.SetFile(ctx, p, *baseline); err != nil {
		return res, err
	}
	res.Baseline = baseline
	ev := logger.Info()
	if d.Conflict {
		ev = logger.Warn().Str("conflict_copy", res.ConflictCopy)
	}
	ev.Int64("mtime", baseline.Mtime).Int64("size", baseline.Size).Msg("path reconciled")
	return res, nil
}

// upload pushes the local file stamped on the server clock and returns the
// server-confirmed baseline. The local copy is restamped to the server mtime
// only while it still matches what was read; a save that lands during the
// round-trip keeps its own mtime and shows up as a local change next pass.
func (e *Executor) upload(ctx context.Context, sc *SyncContext, p string, local *domain.FileInfo) (*domain.SyncedFile, error) {
	data, err := e.fs.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("read local %s: %w", p, err)
	}
	info, st, err := e.remote.Upload(ctx, p, data, local.Mtime+e.skew(sc))
	sc.observe(st)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", p, err)
	}
	if info.Mtime != local.Mtime {
		now, err := e.localInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		if now != nil && same(now, local) {
			if err := e.fs.SetMtime(ctx, p, info.Mtime); err != nil {
				return nil, fmt.Errorf("restamp local %s: %w", p, err)
			}
		} else {
			e.log.Info().Str("path", p).Msg("local file changed during upload")
		}
	}
	return &domain.SyncedFile{Mtime: info.Mtime, Size: info.Size}, nil
}

func (e *Executor) download(ctx context.Context, sc *SyncContext, p string) (*domain.SyncedFile, error) {
	data, info, st, err := e.remote.Download(ctx, p)
	sc.observe(st)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	if err := e.writeLocal(ctx, p, data, info.Mtime); err != nil {
		return nil, err
	}
	return &domain.SyncedFile{Mtime: info.Mtime, Size: int64(len(data))}, nil
}

// keepRemoteCopy saves the remote version next to the local file before the
// local version overwrites it.
func (e *Executor) keepRemoteCopy(ctx context.Context, sc *SyncContext, p string) (string, error) {
	data, info, st, err := e.remote.Download(ctx, p)
	sc.observe(st)
	if err != nil {
		return "", fmt.Errorf("keep remote conflict copy: %w", err)
	}
	name := conflictName(p, e.conflictStamp(sc))
	if err := e.writeLocal(ctx, name, data, info.Mtime); err != nil {
		return "", err
	}
	return name, nil
}

func (e *Executor) writeLocal(ctx context.Context, p string, data []byte, mtime int64) error {
	if dir := path.Dir(p); dir != "." {
		if err := e.fs.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := e.fs.WriteFile(ctx, p, data, mtime); err != nil {
		return fmt.Errorf("write local %s: %w", p, err)
	}
	return nil
}

func (e *Executor) conflictStamp(sc *SyncContext) int64 {
	if sc.ServerTime > 0 {
		return sc.ServerTime
	}
	return e.clock.Now().UnixMilli()
}

// conflictName turns notes/a.md into notes/a.conflict-<stamp>.md.
func conflictName(p string, stamp int64) string {
	ext := path.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	return fmt.Sprintf("%s.conflict-%d%s", stem, stamp, ext)
}

// Scan reconciles the union of local, remote and previously synced paths.
// Per-path failures do not stop the scan; they are joined into the
// returned error so the task is retried.
func (e *Executor) Scan(ctx context.Context, sc *SyncContext) ([]Result, error) {
	paths := map[string]struct{}{}

	if err := e.walkLocal(ctx, "", paths); err != nil {
		return nil, err
	}
	files, st, err := e.remote.List(ctx)
	sc.observe(st)
	if err != nil {
		return nil, fmt.Errorf("list remote: %w", err)
	}
	for _, f := range files {
		if !f.IsDir() {
			paths[f.Path] = struct{}{}
		}
	}
	state, err := e.state.Get(ctx)
	if err != nil {
		return nil, err
	}
	for p := range state.Files {
		paths[p] = struct{}{}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var (
		results []Result
		errs    []error
	)
	for _, p := range sorted {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := e.Reconcile(ctx, sc, p)
		if err != nil {
			e.log.Error().Err(err).Str("path", p).Msg("reconcile failed during scan")
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	e.log.Info().Int("paths", len(sorted)).Int("failed", len(errs)).Msg("scan finished")
	return results, errors.Join(errs...)
}

func (e *Executor) walkLocal(ctx context.Context, dir string, out map[string]struct{}) error {
	entries, err := e.fs.ReadDir(ctx, dir)
	if err != nil {
		if dir == "" && errors.Is(err, iofs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read local dir %q: %w", dir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			if err := e.walkLocal(ctx, ent.Path, out); err != nil {
				return err
			}
			continue
		}
		out[ent.Path] = struct{}{}
	}
	return nil
}
