package rerror

import "fmt"

const (
	RESH_UNEXPECTED     = "RESHU"
	RESH_TRANSIENT      = "RESHT"
	RESH_FILTER_ERROR   = "RESHF"
	RESH_INVARIANT      = "RESHI"
	RESH_CONSISTENCY    = "RESHC"
	RESH_NOT_FOUND      = "RESHN"
	RESH_PRECONDITION   = "RESHP"
	RESH_STOPPED        = "RESHS"
	RESH_METADATA_ERROR = "RESHM"
)

var existingErrorCodeMap = map[string]string{
	RESH_TRANSIENT:      "transient store error, safe to retry",
	RESH_FILTER_ERROR:   "row failed key-range or schema validation",
	RESH_INVARIANT:      "serving graph invariant violation",
	RESH_CONSISTENCY:    "source and destination rows diverge",
	RESH_NOT_FOUND:      "object not found",
	RESH_PRECONDITION:   "operation precondition unmet",
	RESH_STOPPED:        "component already stopped",
	RESH_METADATA_ERROR: "topology metadata corruption",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &ReshError{}

type ReshError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *ReshError {
	return &ReshError{
		Err:       fmt.Errorf("%s", errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *ReshError {
	return &ReshError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

func (er *ReshError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *ReshError) Unwrap() error {
	return er.Err
}

// ErrorCode extracts the resharder error code from err, returning
// RESH_UNEXPECTED for foreign errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if re, ok := err.(*ReshError); ok {
		return re.ErrorCode
	}
	return RESH_UNEXPECTED
}

// IsRetryable reports whether the operation that produced err is safe to
// reissue without operator intervention.
func IsRetryable(err error) bool {
	return ErrorCode(err) == RESH_TRANSIENT
}
