package episode

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrValidation           = errors.New("validation failed")
	ErrDuplicateExternalID  = errors.New("an episode with this external id already exists")
	ErrDuplicateVoucherType = errors.New("a voucher of this type is already registered for the episode")
	ErrSessionLimitExceeded = errors.New("session limit reached for this episode")
	ErrCutoffExceeded       = errors.New("vouchers can only be registered up to the fourth session")
	ErrGateNotMet           = errors.New("report requires all sessions recorded or explicit finalization")
	ErrUnsupportedFileType  = errors.New("unsupported file type")
	ErrEpisodeFinalized     = errors.New("episode is finalized")
	ErrConflict             = errors.New("concurrent update, retry the request")
)
