// Package errs provides the structured error envelope shared by the controller.
//
// Every error that reaches an operator carries a machine-readable Code, a
// human-readable Message and, where one exists, a Remediation hint.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	CodeInvalidParameter      Code = "INVALID_PARAMETER"
	CodeCredentialsInvalid    Code = "CREDENTIALS_INVALID"
	CodePlatformNotConfigured Code = "PLATFORM_NOT_CONFIGURED"
	CodeExchangeTimeout       Code = "EXCHANGE_TIMEOUT"
	CodeStatePersistence      Code = "STATE_PERSISTENCE"
	CodeStateCorruption       Code = "STATE_CORRUPTION"
	CodeBackupNotFound        Code = "BACKUP_NOT_FOUND"
	CodeInvalidState          Code = "INVALID_STATE"
	CodeDuplicateInstance     Code = "DUPLICATE_INSTANCE"
	CodeInstanceNotFound      Code = "INSTANCE_NOT_FOUND"
	CodePrecondition          Code = "PRECONDITION_FAILED"
	CodeConflict              Code = "CONFLICT"
	CodeInternal              Code = "INTERNAL"
)

// Kind groups codes by how callers must react to them.
type Kind string

const (
	// KindConfiguration errors fail before trading begins and are never retried.
	KindConfiguration Kind = "configuration"
	// KindTransient errors are retried with a bounded budget at the call site.
	KindTransient Kind = "transient"
	// KindIntegrity errors halt the instance until an operator intervenes.
	KindIntegrity Kind = "integrity"
	// KindPolicy errors are returned synchronously with enough detail to resolve.
	KindPolicy   Kind = "policy"
	KindInternal Kind = "internal"
)

type codeInfo struct {
	kind        Kind
	status      int
	remediation string
}

var codes = map[Code]codeInfo{
	CodeInvalidParameter:      {KindConfiguration, http.StatusBadRequest, "fix the parameter and resubmit"},
	CodeCredentialsInvalid:    {KindConfiguration, http.StatusBadRequest, "verify the API key/secret and their permissions on the exchange"},
	CodePlatformNotConfigured: {KindConfiguration, http.StatusNotFound, "register the platform for this account before creating instances"},
	CodeExchangeTimeout:       {KindTransient, http.StatusGatewayTimeout, "check exchange availability, then start the instance again"},
	CodeStatePersistence:      {KindTransient, http.StatusInternalServerError, "check disk space and permissions of the state directory"},
	CodeStateCorruption:       {KindIntegrity, http.StatusConflict, "restore the account state from a backup or repair the file manually"},
	CodeBackupNotFound:        {KindPolicy, http.StatusNotFound, "list available backups and pick an existing id"},
	CodeInvalidState:          {KindIntegrity, http.StatusConflict, "inspect the position state against the exchange and repair it before restarting"},
	CodeDuplicateInstance:     {KindPolicy, http.StatusConflict, "check for an existing instance with the same platform/account/strategy/symbol"},
	CodeInstanceNotFound:      {KindPolicy, http.StatusNotFound, "list instances of the account to find a valid id"},
	CodePrecondition:          {KindPolicy, http.StatusConflict, "stop the instance before retrying"},
	CodeConflict:              {KindPolicy, http.StatusConflict, ""},
	CodeInternal:              {KindInternal, http.StatusInternalServerError, ""},
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrInvalidParameter      = &E{Code: CodeInvalidParameter}
	ErrCredentialsInvalid    = &E{Code: CodeCredentialsInvalid}
	ErrPlatformNotConfigured = &E{Code: CodePlatformNotConfigured}
	ErrExchangeTimeout       = &E{Code: CodeExchangeTimeout}
	ErrStatePersistence      = &E{Code: CodeStatePersistence}
	ErrStateCorruption       = &E{Code: CodeStateCorruption}
	ErrBackupNotFound        = &E{Code: CodeBackupNotFound}
	ErrInvalidState          = &E{Code: CodeInvalidState}
	ErrDuplicateInstance     = &E{Code: CodeDuplicateInstance}
	ErrInstanceNotFound      = &E{Code: CodeInstanceNotFound}
	ErrPrecondition          = &E{Code: CodePrecondition}
	ErrConflict              = &E{Code: CodeConflict}
)

// E is the error envelope.
type E struct {
	Code        Code
	Message     string
	Remediation string
	Details     map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error for code. The default remediation for the code is
// used unless WithRemediation overrides it.
func New(code Code, opts ...Option) *E {
	e := &E{Code: code, Remediation: codes[code].remediation}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf constructs an error for code carrying message.
func Newf(code Code, message string, opts ...Option) *E {
	return New(code, append([]Option{WithMessage(message)}, opts...)...)
}

func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) { e.Remediation = trimmed }
}

func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithDetail appends a single key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[key] = value
	}
}

// WithDetails merges details into the envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		for k, v := range details {
			WithDetail(k, v)(e)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"code=" + string(e.Code)}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E with the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Kind returns the category of the error code.
func (e *E) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	if info, ok := codes[e.Code]; ok {
		return info.kind
	}
	return KindInternal
}

// HTTPStatus maps the code to a response status.
func (e *E) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if info, ok := codes[e.Code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// As extracts the outermost *E from err.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// KindOf returns the kind of err.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind()
	}
	return KindInternal
}

// Transient reports whether err may be retried.
func Transient(err error) bool {
	return KindOf(err) == KindTransient
}

// DefaultRemediation returns the remediation New assigns to code.
func DefaultRemediation(code Code) string {
	return codes[code].remediation
}
