package protocol

// ErrorCode classifies controller rejections.
type ErrorCode int

const (
	ErrGeneric                ErrorCode = 0
	ErrRequestNotValid        ErrorCode = 1
	ErrAgentAlreadyRegistered ErrorCode = 2
	ErrAgentNameAlreadyTaken  ErrorCode = 3
	ErrAgentNotRegistered     ErrorCode = 4
	ErrTransactionNotValid    ErrorCode = 5
	ErrTransactionNotMatching ErrorCode = 6
	ErrAgentNameNotAllowed    ErrorCode = 7
	ErrCompetitionNotRunning  ErrorCode = 8
)

var errorCodeMessages = map[ErrorCode]string{
	ErrGeneric:                "Unexpected error.",
	ErrRequestNotValid:        "Request not recognized.",
	ErrAgentAlreadyRegistered: "Agent identity already registered.",
	ErrAgentNameAlreadyTaken:  "Agent name already registered.",
	ErrAgentNotRegistered:     "Agent not registered.",
	ErrTransactionNotValid:    "Transaction not valid.",
	ErrTransactionNotMatching: "Transaction not matching a pending transaction.",
	ErrAgentNameNotAllowed:    "Agent name not in whitelist.",
	ErrCompetitionNotRunning:  "Competition not running.",
}

// String returns the canonical error message for a code.
func (c ErrorCode) String() string {
	if msg, ok := errorCodeMessages[c]; ok {
		return msg
	}
	return errorCodeMessages[ErrGeneric]
}

// NewErrorPayload builds an ErrorPayload with the canonical message.
func NewErrorPayload(code ErrorCode, details map[string]string) ErrorPayload {
	return ErrorPayload{Code: code, Message: code.String(), Details: details}
}
