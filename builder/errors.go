package builder

import "errors"

var errNonZeroExit = errors.New("builder: subprocess returned non-zero exit code")

// Stage identifies which of the build's steps failed, so callers can decide
// whether a failure is retryable (a transient toolchain fetch failure is;
// a manifest that will never parse is not).
type Stage string

const (
	StageWorkspacePrepare Stage = "workspace_prepare"
	StageBlacklistCheck   Stage = "blacklist_check"
	StageMemoryCheck      Stage = "memory_check"
	StageFetchSource      Stage = "fetch_source"
	StageManifestParse    Stage = "manifest_parse"
	StageToolchainSelect  Stage = "toolchain_select"
	StageCompile          Stage = "compile"
	StagePackage          Stage = "package"
	StageUpload           Stage = "upload"
	StageRecordResult     Stage = "record_result"
)

// BuildError wraps a failure with the stage it occurred in and whether
// retrying the same release is likely to succeed.
type BuildError struct {
	Stage     Stage
	Retryable bool
	Err       error
}

func (e *BuildError) Error() string {
	return "builder: " + string(e.Stage) + ": " + e.Err.Error()
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func newBuildError(stage Stage, retryable bool, err error) *BuildError {
	return &BuildError{Stage: stage, Retryable: retryable, Err: err}
}
