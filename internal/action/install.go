package action

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// install stages the artifact, runs the install-mode call and classifies the
// report. The staged file is removed right after the install attempt.
func (o *Orchestrator) install(ctx context.Context, inv *invocation) (Result, error) {
	if err := o.stage(ctx, inv.req.Artifact); err != nil {
		o.discardStaged()
		if errors.Is(err, ErrUploadCanceled) {
			return o.abandon(inv, msgUploadCanceled), err
		}
		o.settle(ctx, inv, Failure, msgUploadFailed, err.Error())
		return inv.result, err
	}

	report, err := o.runner.RunInstall(ctx, o.device, "install", o.stagingPath)
	o.discardStaged()
	if err != nil {
		o.settle(ctx, inv, Failure, inv.def.failure, err.Error())
		return inv.result, errors.Wrapf(err, "dispatch %s", inv.req.Action)
	}
	o.transition(inv, StateWaiting)
	o.sleep(ctx, inv.def.wait(o.waits))
	if !installSucceeded(report) {
		return o.settle(ctx, inv, Failure, inv.def.failure, report), nil
	}
	return o.settle(ctx, inv, Success, inv.def.success, ""), nil
}

// installSucceeded matches the literal "Success" verdict and nothing else.
func installSucceeded(report string) bool {
	return strings.TrimSpace(report) == "Success"
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (o *Orchestrator) stage(ctx context.Context, src io.Reader) error {
	if dir := filepath.Dir(o.stagingPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create staging dir %s", dir)
		}
	}
	f, err := os.OpenFile(o.stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create staging file %s", o.stagingPath)
	}
	written, copyErr := io.Copy(f, ctxReader{ctx: ctx, r: src})
	closeErr := f.Close()
	if copyErr != nil {
		if errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) || errors.Is(copyErr, ErrUploadCanceled) {
			return errors.Wrap(ErrUploadCanceled, copyErr.Error())
		}
		return errors.Wrap(copyErr, "upload package")
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "close staging file %s", o.stagingPath)
	}
	log.Debug().Str("path", o.stagingPath).Int64("bytes", written).Msg("package staged")
	return nil
}

func (o *Orchestrator) discardStaged() {
	if err := os.Remove(o.stagingPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", o.stagingPath).Msg("remove staged package failed")
	}
}

// abandon settles an invocation that was cancelled by the operator. It is not
// a device event, so neither the audit trail nor the recorders see it.
func (o *Orchestrator) abandon(inv *invocation, message string) Result {
	inv.result.Outcome = Failure
	inv.result.Message = message
	inv.result.SettledAt = o.now()
	o.transition(inv, StateSettled)
	log.Info().Str("id", inv.result.ID).Str("action", string(inv.result.Action)).Msg(message)
	return inv.result
}
