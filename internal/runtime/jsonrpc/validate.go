package jsonrpc

// Validate checks a decoded client body. It returns nil when the body is
// acceptable, otherwise an error response ready to be written back. Batch
// entries are only checked for being objects here; ValidateEntry covers the
// per-call shape.
func Validate(body any, batchLimit int, service string) *Response {
	switch b := body.(type) {
	case map[string]any:
		return ValidateEntry(b, service)
	case []any:
		if len(b) == 0 {
			return invalid(nil, CodeInvalidRequest, "Invalid Request", service)
		}
		if len(b) > batchLimit {
			return invalid(nil, CodeInvalidRequest, "Invalid Request (batch limit exceeded)", service)
		}
		for _, entry := range b {
			if _, ok := entry.(map[string]any); !ok {
				return invalid(nil, CodeInvalidRequest, "Batch contains invalid request", service)
			}
		}
		return nil
	default:
		return invalid(nil, CodeParseError, "Parse error", service)
	}
}

// ValidateEntry enforces the JSON-RPC shape of a single call. The id is kept
// in the error response only when it was itself valid.
func ValidateEntry(body map[string]any, service string) *Response {
	id, hasID := body["id"]
	invalidID := hasID && (id == nil || !IsValidID(id))
	_, methodIsString := body["method"].(string)

	invalidParams := false
	if params, ok := body["params"]; ok && params != nil {
		_, isObject := params.(map[string]any)
		invalidParams = !isObject
	}

	if !invalidID && methodIsString && !invalidParams {
		return nil
	}

	var respID any
	if !invalidID {
		respID = id
	}
	code := CodeInvalidRequest
	if invalidParams {
		code = CodeInvalidParams
	}
	return invalid(respID, code, "The JSON sent is not a valid JSON-RPC 2.0 request", service)
}

func invalid(id any, code int, message, service string) *Response {
	return ErrorResponse(id, NewException(ExceptionProps{
		Code:    code,
		Status:  500,
		Message: message,
		Service: service,
	}))
}
