// Package ckerror defines the PKCS#11 CK_RV-shaped error taxonomy used
// throughout the core. It does not implement the ABI; it gives the core
// a stable, typed vocabulary that an adapter layer can translate into
// raw CK_RV values.
package ckerror

import "fmt"

// Code is a symbolic CK_RV. The numeric values follow the standard
// Cryptoki assignment order within each family; they are not the
// official PKCS#11 header constants (those are bit-exact and owned by
// the ABI adapter per spec, out of core scope) but preserve the same
// relative grouping so a mapping table is a 1:1 lookup.
type Code uint32

// vendorBase mirrors CKR_VENDOR_DEFINED, the offset used for the two
// vendor extensions this module defines (spec.md section 6.4).
const vendorBase Code = 0x80000000

const (
	OK Code = iota

	// Uninitialized
	CryptokiNotInitialized

	// Argument
	ArgumentsBad

	// Slot/Session
	SlotIDInvalid
	SessionHandleInvalid
	SessionClosed

	// Session gating
	SessionReadOnly
	SessionReadWriteSOExists
	SessionReadOnlyExists

	// Object/Attr
	ObjectHandleInvalid
	AttributeTypeInvalid
	AttributeValueInvalid
	AttributeReadOnly
	AttributeSensitive

	// Template
	TemplateIncomplete
	TemplateInconsistent

	// Mechanism
	MechanismInvalid
	MechanismParamInvalid

	// Key
	KeyTypeInconsistent
	KeySizeRange
	KeyFunctionNotPermitted
	KeyChanged

	// Op
	OperationActive
	OperationNotInitialized
	DataLenRange
	EncryptedDataInvalid
	SignatureInvalid

	// Auth
	UserNotLoggedIn
	UserAlreadyLoggedIn
	UserAnotherAlreadyLoggedIn
	UserTypeInvalid
	PinIncorrect
	PinLocked
	PinLenRange
	UserPinNotInitialized

	// Buffer
	BufferTooSmall

	// Generic
	GeneralError
	FunctionNotSupported
	DeviceError
	DataInvalid
)

const (
	// TokenNotInitialized is a vendor extension (spec.md section 6.4):
	// returned when an operation requires an initialized token and
	// none exists yet.
	TokenNotInitialized = vendorBase + 1
	// KeyChangedVendor mirrors the KeyChanged condition surfaced through
	// the vendor range for ABI callers that only understand the
	// vendor-offset form; the core itself returns KeyChanged.
	KeyChangedVendor = vendorBase + 2
)

var names = map[Code]string{
	OK:                         "CKR_OK",
	CryptokiNotInitialized:     "CKR_CRYPTOKI_NOT_INITIALIZED",
	ArgumentsBad:               "CKR_ARGUMENTS_BAD",
	SlotIDInvalid:              "CKR_SLOT_ID_INVALID",
	SessionHandleInvalid:       "CKR_SESSION_HANDLE_INVALID",
	SessionClosed:              "CKR_SESSION_CLOSED",
	SessionReadOnly:            "CKR_SESSION_READ_ONLY",
	SessionReadWriteSOExists:   "CKR_SESSION_READ_WRITE_SO_EXISTS",
	SessionReadOnlyExists:      "CKR_SESSION_READ_ONLY_EXISTS",
	ObjectHandleInvalid:        "CKR_OBJECT_HANDLE_INVALID",
	AttributeTypeInvalid:       "CKR_ATTRIBUTE_TYPE_INVALID",
	AttributeValueInvalid:      "CKR_ATTRIBUTE_VALUE_INVALID",
	AttributeReadOnly:          "CKR_ATTRIBUTE_READ_ONLY",
	AttributeSensitive:         "CKR_ATTRIBUTE_SENSITIVE",
	TemplateIncomplete:         "CKR_TEMPLATE_INCOMPLETE",
	TemplateInconsistent:       "CKR_TEMPLATE_INCONSISTENT",
	MechanismInvalid:           "CKR_MECHANISM_INVALID",
	MechanismParamInvalid:      "CKR_MECHANISM_PARAM_INVALID",
	KeyTypeInconsistent:        "CKR_KEY_TYPE_INCONSISTENT",
	KeySizeRange:               "CKR_KEY_SIZE_RANGE",
	KeyFunctionNotPermitted:    "CKR_KEY_FUNCTION_NOT_PERMITTED",
	KeyChanged:                 "CKR_KEY_CHANGED",
	OperationActive:            "CKR_OPERATION_ACTIVE",
	OperationNotInitialized:    "CKR_OPERATION_NOT_INITIALIZED",
	DataLenRange:               "CKR_DATA_LEN_RANGE",
	EncryptedDataInvalid:       "CKR_ENCRYPTED_DATA_INVALID",
	SignatureInvalid:           "CKR_SIGNATURE_INVALID",
	UserNotLoggedIn:            "CKR_USER_NOT_LOGGED_IN",
	UserAlreadyLoggedIn:        "CKR_USER_ALREADY_LOGGED_IN",
	UserAnotherAlreadyLoggedIn: "CKR_USER_ANOTHER_ALREADY_LOGGED_IN",
	UserTypeInvalid:            "CKR_USER_TYPE_INVALID",
	PinIncorrect:               "CKR_PIN_INCORRECT",
	PinLocked:                  "CKR_PIN_LOCKED",
	PinLenRange:                "CKR_PIN_LEN_RANGE",
	UserPinNotInitialized:      "CKR_USER_PIN_NOT_INITIALIZED",
	BufferTooSmall:             "CKR_BUFFER_TOO_SMALL",
	GeneralError:               "CKR_GENERAL_ERROR",
	FunctionNotSupported:       "CKR_FUNCTION_NOT_SUPPORTED",
	DeviceError:                "CKR_DEVICE_ERROR",
	DataInvalid:                "CKR_DATA_INVALID",
	TokenNotInitialized:        "CKR_VENDOR_TOKEN_NOT_INITIALIZED",
	KeyChangedVendor:           "CKR_VENDOR_KEY_CHANGED",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("CKR_UNKNOWN(0x%x)", uint32(c))
}

// Error wraps a Code as a standard Go error, optionally carrying the
// underlying cause for logging. The cause is never surfaced through
// Error() itself: internal failures (e.g. a GCM tag mismatch) must map
// to the nearest CK_RV without leaking their detail across the ABI
// boundary (spec.md section 7, Propagation policy).
type Error struct {
	Code  Code
	cause error
}

func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap produces an Error that maps cause to code, retaining cause only
// for local logging via Unwrap/Cause, never via Error().
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

func (e *Error) Error() string {
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is allows errors.Is(err, ckerror.New(SomeCode)) comparisons by Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Cause exposes the wrapped cause for logging call sites that want it,
// without letting it escape through the error string.
func (e *Error) Cause() error {
	return e.cause
}
