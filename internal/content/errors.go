package content

import "errors"

// Failure kinds of a sync cycle. Callers wrap them with fmt.Errorf("...: %w").
var (
	ErrConfig        = errors.New("invalid configuration")
	ErrFetchFailed   = errors.New("remote fetch failed")
	ErrStagingMiss   = errors.New("staged record missing")
	ErrMediaDownload = errors.New("media download failed")
	ErrTermCreate    = errors.New("term or taxonomy create failed")
	ErrNotFound      = errors.New("not found")
)

// Kind returns a stable code for err, used as the "kind" log attribute.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "CONFIG_ERROR"
	case errors.Is(err, ErrFetchFailed):
		return "FETCH_FAILED"
	case errors.Is(err, ErrStagingMiss):
		return "STAGING_MISS"
	case errors.Is(err, ErrMediaDownload):
		return "MEDIA_DOWNLOAD_FAILED"
	case errors.Is(err, ErrTermCreate):
		return "TERM_CREATE_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}
