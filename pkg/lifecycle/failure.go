package lifecycle

import (
	"encoding/json"
	"net/http"

	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
	"github.com/fe1fan/raven/pkg/script"
)

// RequestIDHeader carries the request id on every response.
const RequestIDHeader = "X-Request-Id"

// FailureBody is the JSON body of a failure exchange.
type FailureBody struct {
	Error FailureDetail `json:"error"`
}

// FailureDetail describes why a request failed.
type FailureDetail struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	DispatchCode string `json:"dispatch_code,omitempty"`
	ProviderCode string `json:"provider_code,omitempty"`
	RequestID    string `json:"request_id"`
}

// FailureResponse renders err as a failure exchange.
func FailureResponse(err error, requestID string) *script.Response {
	re := errors.AsRavenError(err)
	detail := FailureDetail{
		Code:         string(re.Code),
		Message:      re.Message,
		ProviderCode: dispatch.ProviderCode(err),
		RequestID:    requestID,
	}
	if code, ok := re.Context["dispatch_code"].(string); ok {
		detail.DispatchCode = code
	}
	status := re.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body, mErr := json.Marshal(FailureBody{Error: detail})
	if mErr != nil {
		body = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"failure not encodable"}}`)
	}
	return &script.Response{
		Status: status,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			RequestIDHeader: requestID,
		},
		Body: string(body),
	}
}
