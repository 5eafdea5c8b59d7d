package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/naming"
	"github.com/oszuidwest/zwfm-noisemeter/internal/store"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
	"github.com/oszuidwest/zwfm-noisemeter/internal/wav"
)

// ReduceOption adjusts a single ReduceNoise call.
type ReduceOption func(*reduceOptions)

type reduceOptions struct {
	gateThreshold int
}

// WithGateThreshold overrides the configured gate threshold.
func WithGateThreshold(threshold int) ReduceOption {
	return func(o *reduceOptions) {
		if threshold > 0 {
			o.gateThreshold = threshold
		}
	}
}

// ReduceNoise gates the recording and stores the result as the next
// version of its name. When decoding fails or the result has no duration,
// the source is copied under the next version name instead, so a usable
// asset is always returned unless an I/O error occurs.
func (o *Orchestrator) ReduceNoise(ctx context.Context, asset Asset, opts ...ReduceOption) (Asset, error) {
	ro := reduceOptions{gateThreshold: o.opts.GateThreshold}
	for _, opt := range opts {
		opt(&ro)
	}

	release, err := o.locks.acquire(ctx, asset.FilePath)
	if err != nil {
		return Asset{}, err
	}
	defer release()

	if err := sourceExists(asset.FilePath); err != nil {
		return Asset{}, err
	}
	row, err := o.currentRow(ctx, asset)
	if err != nil {
		return Asset{}, err
	}

	decoded, err := o.transcoder.Decode(ctx, asset.FilePath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Asset{}, ctxErr
		}
		slog.Warn("decode failed, copying original", "path", asset.FilePath, "error", err)
		return o.fallbackCopy(ctx, row, err)
	}
	defer removeTemp(decoded)

	format, samples, err := wav.Read(decoded)
	if err != nil {
		slog.Warn("decoded file unreadable, copying original", "path", decoded, "error", err)
		return o.fallbackCopy(ctx, row, err)
	}

	zeroed := audio.ApplyGate(samples, ro.gateThreshold)

	cleaned, err := o.writeCleaned(format, samples)
	if err != nil {
		return Asset{}, err
	}
	defer removeTemp(cleaned)

	duration, err := o.prober.Duration(ctx, cleaned)
	// Rows store whole milliseconds; anything shorter counts as empty.
	if err != nil || duration.Milliseconds() <= 0 {
		cause := ErrProcessingFailure
		if err != nil {
			cause = fmt.Errorf("%w: %w", ErrProcessingFailure, err)
		}
		slog.Warn("gated file has no duration, copying original", "path", asset.FilePath, "error", cause)
		return o.fallbackCopy(ctx, row, cause)
	}

	target, err := naming.NextDerivative(filepath.Dir(row.FilePath), filepath.Base(row.FilePath), ".wav")
	if err != nil {
		return Asset{}, util.WrapError("name reduced recording", err)
	}
	if err := os.Rename(cleaned, target); err != nil {
		return Asset{}, util.WrapError("move reduced recording", err)
	}

	updated := row
	updated.FilePath = target
	updated.DurationMillis = duration.Milliseconds()
	updated.IsNoisy = false
	saved, err := o.commitDerivative(ctx, row, updated)
	if err != nil {
		return Asset{}, err
	}

	slog.Info("noise reduced", "from", row.FilePath, "to", saved.FilePath,
		"gate_threshold", ro.gateThreshold, "zeroed", zeroed)
	o.events.LogAsset(eventlog.NoiseReduced, "", &eventlog.AssetDetails{
		ID:            saved.ID,
		Path:          saved.FilePath,
		PreviousPath:  row.FilePath,
		Zeroed:        zeroed,
		GateThreshold: ro.gateThreshold,
	})
	return saved, nil
}

func (o *Orchestrator) writeCleaned(format wav.Format, samples []int16) (string, error) {
	f, err := os.CreateTemp(o.opts.RecordingsDir, "cleaned_*.wav")
	if err != nil {
		return "", util.WrapError("create cleaned file", err)
	}
	path := f.Name()
	util.CloseLogged(f, path)

	if err := wav.Write(path, format, samples); err != nil {
		removeTemp(path)
		return "", util.WrapError("write cleaned file", err)
	}
	return path, nil
}

// fallbackCopy copies the source under the next version of its name and
// points the row at the copy with the noisy flag cleared.
func (o *Orchestrator) fallbackCopy(ctx context.Context, row Asset, cause error) (Asset, error) {
	ext := filepath.Ext(row.FilePath)
	target, err := naming.NextDerivative(filepath.Dir(row.FilePath), filepath.Base(row.FilePath), ext)
	if err != nil {
		return Asset{}, util.WrapError("name fallback copy", err)
	}
	if err := copyFile(row.FilePath, target); err != nil {
		return Asset{}, util.WrapError("copy recording", err)
	}

	updated := row
	updated.FilePath = target
	updated.IsNoisy = false
	saved, err := o.commitDerivative(ctx, row, updated)
	if err != nil {
		return Asset{}, err
	}

	o.events.LogAsset(eventlog.ReductionFallback, "", &eventlog.AssetDetails{
		ID:           saved.ID,
		Path:         saved.FilePath,
		PreviousPath: row.FilePath,
		Error:        cause.Error(),
	})
	return saved, nil
}

// commitDerivative stores the derivative file written at updated.FilePath.
// The row is moved to the new file and the old file removed, or, with
// KeepOriginal, the derivative gets a row of its own. On failure the
// derivative file is removed and the original left as it was.
func (o *Orchestrator) commitDerivative(ctx context.Context, row, updated Asset) (Asset, error) {
	if o.opts.KeepOriginal {
		updated.ID = 0
	}
	rec, err := o.store.Upsert(ctx, recordFromAsset(updated))
	if err != nil {
		removeTemp(updated.FilePath)
		return Asset{}, util.WrapError("update recording", err)
	}
	saved := assetFromRecord(rec)

	if !o.opts.KeepOriginal {
		if err := os.Remove(row.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove superseded recording", "path", row.FilePath, "error", err)
		}
		o.retire(row.FilePath)
		o.replaceLast(row.FilePath, &saved)
	}
	return saved, nil
}

// Rename gives the recording a user-chosen name, keeping its extension.
// It returns nil, nil when the source file no longer exists.
func (o *Orchestrator) Rename(ctx context.Context, asset Asset, name string) (*Asset, error) {
	release, err := o.locks.acquire(ctx, asset.FilePath)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := sourceExists(asset.FilePath); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	row, err := o.currentRow(ctx, asset)
	if err != nil {
		return nil, err
	}

	dir, ext := filepath.Dir(row.FilePath), filepath.Ext(row.FilePath)
	target, err := naming.ResolveRename(dir, name, ext)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(row.FilePath, target); err != nil {
		return nil, util.WrapError("rename recording", err)
	}

	updated := row
	updated.FilePath = target
	rec, err := o.store.Upsert(ctx, recordFromAsset(updated))
	if err != nil {
		if rbErr := os.Rename(target, row.FilePath); rbErr != nil {
			slog.Error("failed to restore renamed recording", "path", target, "error", rbErr)
		}
		return nil, util.WrapError("update recording", err)
	}
	saved := assetFromRecord(rec)
	o.replaceLast(row.FilePath, &saved)
	o.retire(row.FilePath)

	slog.Info("recording renamed", "from", row.FilePath, "to", saved.FilePath)
	o.events.LogAsset(eventlog.AssetRenamed, "", &eventlog.AssetDetails{
		ID:           saved.ID,
		Path:         saved.FilePath,
		PreviousPath: row.FilePath,
	})
	return &saved, nil
}

// Delete removes the recording file, then its row. It reports true when
// the file was deleted and no row points at it any more. When the file
// cannot be removed the row is left untouched.
func (o *Orchestrator) Delete(ctx context.Context, asset Asset) (bool, error) {
	release, err := o.locks.acquire(ctx, asset.FilePath)
	if err != nil {
		return false, err
	}
	defer release()

	o.retire(asset.FilePath)

	fileDeleted := true
	if err := os.Remove(asset.FilePath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, util.WrapError("delete recording file", err)
		}
		fileDeleted = false
	}

	rec, err := o.store.ByPath(ctx, asset.FilePath)
	if err != nil {
		return false, util.WrapError("find recording", err)
	}
	if rec != nil {
		if err := o.store.Delete(ctx, rec.ID); err != nil {
			return false, util.WrapError("delete recording row", err)
		}
	}
	o.replaceLast(asset.FilePath, nil)

	slog.Info("recording deleted", "path", asset.FilePath, "file_deleted", fileDeleted)
	o.events.LogAsset(eventlog.AssetDeleted, "", &eventlog.AssetDetails{
		ID:          asset.ID,
		Path:        asset.FilePath,
		FileDeleted: fileDeleted,
	})
	return fileDeleted, nil
}

// currentRow returns the stored row for the asset's path. An asset
// without a row is treated as new.
func (o *Orchestrator) currentRow(ctx context.Context, asset Asset) (Asset, error) {
	rec, err := o.store.ByPath(ctx, asset.FilePath)
	if err != nil {
		return Asset{}, util.WrapError("find recording", err)
	}
	if rec == nil {
		asset.ID = 0
		if asset.CreatedAt.IsZero() {
			asset.CreatedAt = o.now()
		}
		return asset, nil
	}
	return assetFromRecord(*rec), nil
}

// durationCache is implemented by probers that cache results per path.
type durationCache interface {
	Forget(path string)
}

// retire drops the player and duration state of a file that is gone.
func (o *Orchestrator) retire(path string) {
	o.playback.forget(path)
	if c, ok := o.prober.(durationCache); ok {
		c.Forget(path)
	}
}

// replaceLast keeps LastRecorded pointing at the live file.
func (o *Orchestrator) replaceLast(oldPath string, next *Asset) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last != nil && o.last.FilePath == oldPath {
		o.last = next
	}
}

func sourceExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return util.WrapError("stat recording", err)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer util.CloseLogged(in, src)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			removeTemp(dst)
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

func removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove temporary file", "path", path, "error", err)
	}
}

var _ Store = (*store.Store)(nil)
