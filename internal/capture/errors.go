package capture

import (
	"fmt"

	"github.com/alxayo/go-capture/internal/cerrors"
)

// Errors returned by the public orchestrator/path API, each mapping onto
// one of the stable codes in cerrors (spec §6/§7).
var (
	errNilAudioSource = cerrors.NewArgError("open", errString("audio source is nil"))
	errAlreadyStarted = cerrors.NewStateError("start", errString("orchestrator already started"))
	errNotStarted     = cerrors.NewStateError("op", errString("orchestrator not started"))
	errAlreadyClosed  = cerrors.NewStateError("op", errString("orchestrator already closed"))
	errAddAfterStart  = cerrors.NewStateError("setup_path", errString("cannot add path or muxer config after start"))
	errMuxerTwice     = cerrors.NewStateError("enable_muxer", errString("muxer already enabled for this path"))
	errNoMuxerConfig  = cerrors.NewStateError("enable_muxer", errString("path has no muxer configured"))
	errSecondPath     = cerrors.NewStateError("setup_path", errString("only one path is supported without a path processor"))
	errUnknownPath    = cerrors.NewArgError("path_lookup", errString("unknown path id"))
	errBadStreamKind  = cerrors.NewArgError("stream_kind", errString("stream kind must be audio or video"))
	errNoProcessor    = cerrors.NewNotSupportedError("set_path_bitrate", errString("no path processor configured"))
	// errNoFrameAvailable reports an empty non-blocking acquire. It uses
	// the ProtocolViolation type because that is the taxonomy entry
	// cerrors maps onto the stable not_found(-4) code (spec §6).
	errNoFrameAvailable = cerrors.NewProtocolViolation("acquire_path_frame", errString("no frame available"))
)

// errProtocolViolation wraps a release-path failure (e.g. the share
// queue's "frame not found in ring") as a cerrors.ProtocolViolation, per
// spec §7's release-of-unknown-frame taxonomy entry.
func errProtocolViolation(cause error) error {
	return cerrors.NewProtocolViolation("release_path_frame", cause)
}

// errSource wraps a source-driver failure (spec §7 "source errors").
func errSource(kind, op string, cause error) error {
	return cerrors.NewSourceError(op, kind, cause)
}

// errMuxer wraps a muxer open/stream-add failure (spec §7 "muxer
// failures").
func errMuxer(op string, cause error) error {
	return cerrors.NewMuxerError(op, cause)
}

// errProcessor wraps a path-processor lifecycle failure. Not part of the
// spec's explicit taxonomy (§7 doesn't name a processor-error category),
// so it is left untyped; cerrors.CodeOf falls back to Internal for it.
func errProcessor(op string, cause error) error {
	return fmt.Errorf("capture: path processor %s: %w", op, cause)
}

// errString is a trivial string-backed error, used for the static
// messages above instead of importing errors.New at every call site.
type errString string

func (e errString) Error() string { return string(e) }
