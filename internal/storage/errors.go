package storage

import "errors"

// Errors generated by the transfer state machines rather than the service.
// All of them are permanent.
var (
	// ErrUploadRewind means the service reported fewer persisted bytes than
	// it had already confirmed.
	ErrUploadRewind = errors.New("storage: upload session lost confirmed data")

	// ErrUploadTooMuchProgress means the service reported more persisted
	// bytes than the client ever sent.
	ErrUploadTooMuchProgress = errors.New("storage: upload session reports more data than was sent")

	// ErrGenerationMismatch means a resumed download reached a different
	// object generation than the one it started on.
	ErrGenerationMismatch = errors.New("storage: object generation changed during download")

	// ErrResumeOffsetMismatch means a resumed download did not start at the
	// offset where the interrupted stream stopped.
	ErrResumeOffsetMismatch = errors.New("storage: resumed download starts at the wrong offset")

	// ErrChecksumMismatch means payload bytes do not match their checksum.
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
)
