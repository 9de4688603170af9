package protocol

import "fmt"

// Error implements the error interface so reasons can flow through
// ordinary error returns.
func (r Reason) Error() string {
	return fmt.Sprintf("%s (code %d)", r.Message, r.Code)
}

// Standard protocol reasons, sent as wc_sessionDelete bodies or as
// JSON-RPC error objects in rejection responses.
func UserRejected() Reason {
	return Reason{Code: 5000, Message: "User rejected."}
}

func UserRejectedChains() Reason {
	return Reason{Code: 5001, Message: "User rejected chains."}
}

func UserRejectedMethods() Reason {
	return Reason{Code: 5002, Message: "User rejected methods."}
}

func UserDisconnected() Reason {
	return Reason{Code: 6000, Message: "User disconnected."}
}

func SessionRequestExpired() Reason {
	return Reason{Code: 8000, Message: "Session request expired."}
}

func InvalidMethod(detail string) Reason {
	return Reason{Code: 1001, Message: "Invalid method: " + detail}
}

func InvalidUpdateRequest(detail string) Reason {
	return Reason{Code: 1003, Message: "Invalid update request: " + detail}
}

func UnauthorizedMethod(method string) Reason {
	return Reason{Code: 3001, Message: "Unauthorized method: " + method}
}

func UnauthorizedEvent(event string) Reason {
	return Reason{Code: 3002, Message: "Unauthorized event: " + event}
}

func UnauthorizedUpdateRequest() Reason {
	return Reason{Code: 3004, Message: "Unauthorized update request: sender is not the controller."}
}

func UnauthorizedExtendRequest() Reason {
	return Reason{Code: 3005, Message: "Unauthorized extend request: sender is not the controller."}
}

func UnsupportedChains(detail string) Reason {
	return Reason{Code: 5100, Message: "Unsupported chains: " + detail}
}

func UnsupportedNamespaceKey(detail string) Reason {
	return Reason{Code: 5104, Message: "Unsupported namespace key: " + detail}
}

func UnsupportedMethod(method string) Reason {
	return Reason{Code: 10001, Message: "Unsupported method: " + method}
}

func NoMatchingSession(topic string) Reason {
	return Reason{Code: 7001, Message: "No matching session for topic: " + topic}
}
