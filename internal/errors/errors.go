package errors

import (
	stdErrors "errors"
	"maps"
	"strings"
	"sync"
)

// Code 是插件内核对外暴露的错误码，HTTP 层和告警都按它分类。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认描述与处理策略。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 插件生命周期与运行时错误码。
const (
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"
	CodeCompatibilityFailed Code = "COMPATIBILITY_FAILED"
	CodeLoadFailed          Code = "LOAD_FAILED"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeSandboxTerminated   Code = "SANDBOX_TERMINATED"
	CodeExecutionFailed     Code = "EXECUTION_FAILED"
	CodeHookTimeout         Code = "HOOK_TIMEOUT"
	CodeDeliveryExhausted   Code = "DELIVERY_EXHAUSTED"
	CodePluginConflict      Code = "PLUGIN_CONFLICT"
	CodeContentRejected     Code = "CONTENT_REJECTED"
	CodeMigrationFailed     Code = "MIGRATION_FAILED"
)

// MetaPluginID 是携带插件 ID 的元数据键。
const MetaPluginID = "plugin_id"

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
		CodeNotFound:              {"plugin not found", SeverityInfo, false, false},
		CodeConflict:              {"state conflict", SeverityWarning, false, false},
		CodeUnauthenticated:       {"authentication required", SeverityInfo, false, false},
		CodeInitializationFailure: {"host not initialized", SeverityWarning, true, true},
		CodeStorageFailure:        {"plugin storage failure", SeverityCritical, true, true},
		CodeQueueFailure:          {"event transport failure", SeverityCritical, true, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true},

		CodeVerificationFailed:  {"plugin verification failed", SeverityWarning, false, true},
		CodeCompatibilityFailed: {"plugin is not compatible with this host", SeverityInfo, false, false},
		CodeLoadFailed:          {"plugin failed to load", SeverityWarning, false, true},
		CodePermissionDenied:    {"permission denied", SeverityWarning, false, false},
		CodeQuotaExceeded:       {"resource quota exceeded", SeverityWarning, false, true},
		CodeSandboxTerminated:   {"sandbox terminated", SeverityCritical, false, true},
		CodeExecutionFailed:     {"plugin execution failed", SeverityWarning, false, false},
		CodeHookTimeout:         {"hook callback timed out", SeverityWarning, true, false},
		CodeDeliveryExhausted:   {"event delivery attempts exhausted", SeverityWarning, false, true},
		CodePluginConflict:      {"plugin already registered", SeverityInfo, false, false},
		CodeContentRejected:     {"content rejected by security filter", SeverityWarning, false, false},
		CodeMigrationFailed:     {"plugin data migration failed", SeverityCritical, false, true},
	}
)

// Register 注册或覆盖错误码属性，应在初始化阶段调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是带错误码的错误。属性在构造时从注册表拷贝，之后不受 Register 影响。
type Error struct {
	code     Code
	message  string
	cause    error
	attrs    Attributes
	metadata map[string]string
	details  []string
}

// Option 调整新建的错误。
type Option func(*Error)

// WithMetadata 附加键值信息，随 API 错误体一并返回。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 2)
		}
		e.metadata[key] = value
	}
}

// WithPlugin 标记出错的插件。
func WithPlugin(id string) Option {
	return WithMetadata(MetaPluginID, id)
}

// WithDetails 附加逐条问题，例如校验失败的全部原因。
func WithDetails(details ...string) Option {
	return func(e *Error) { e.details = append(e.details, details...) }
}

// WithAlert 覆盖错误码默认的告警策略。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.attrs.Alert = alert }
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	attrs := AttributesOf(code)
	if message == "" {
		message = attrs.Message
	}
	e := &Error{code: code, message: message, attrs: attrs}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 以 code 包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	if id := e.metadata[MetaPluginID]; id != "" && !strings.Contains(e.message, id) {
		b.WriteString(" (plugin ")
		b.WriteString(id)
		b.WriteByte(')')
	}
	if len(e.details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.details, "; "))
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码和原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Details 返回问题列表副本。
func (e *Error) Details() []string {
	if e == nil || len(e.details) == 0 {
		return nil
	}
	return append([]string(nil), e.details...)
}

// Attributes 返回错误生效的属性。
func (e *Error) Attributes() Attributes {
	if e == nil {
		return AttributesOf(CodeUnknown)
	}
	return e.attrs
}

// From 返回错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误码，普通错误视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// HasCode 判断错误链（含 errors.Join 的分支）中是否出现 code。
func HasCode(err error, code Code) bool {
	return err != nil && stdErrors.Is(err, &Error{code: code})
}

// DetailsOf 返回问题列表。
func DetailsOf(err error) []string {
	if e, ok := From(err); ok {
		return e.Details()
	}
	return nil
}

// PluginOf 返回错误关联的插件 ID。
func PluginOf(err error) string {
	if e, ok := From(err); ok {
		return e.metadata[MetaPluginID]
	}
	return ""
}

// RetryableError 判断错误是否值得重试，例如事件投递。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.attrs.Retryable
}

// ShouldAlert 判断错误是否需要告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.attrs.Alert
}
