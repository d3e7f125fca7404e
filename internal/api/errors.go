package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Code is the wire error vocabulary. Every failure leaving this package is
// one of these, inside a {success:false, error:{code,message}} envelope with
// a fixed HTTP status per code.
type Code string

const (
	CodeInvalidJSON       Code = "invalid_json"
	CodeMissingFields     Code = "missing_required_fields"
	CodeInvalidData       Code = "invalid_data"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeInvalidAmount     Code = "invalid_amount"
	CodeInvalidToken      Code = "invalid_token"
	CodeUnauthorizedIP    Code = "unauthorized_ip"
	CodeInvalidAccessKey  Code = "invalid_access_key"
	CodeUserNotFound      Code = "user_not_found"
	CodeServerNotFound    Code = "server_not_found"
	CodeItemNotFound      Code = "item_not_found"
	CodeAlreadyOwned      Code = "already_owned"
	CodeServerFull        Code = "server_full"
	CodeRateLimited       Code = "rate_limit_exceeded"
	CodeInternal          Code = "internal_error"
	CodeMaintenance       Code = "maintenance_mode"
	CodeTimeout           Code = "timeout"
	CodeProvisionFailed   Code = "failed_to_create_host"
	CodeMaxServers        Code = "max_servers_reached"
)

func httpStatus(code Code) int {
	switch code {
	case CodeInvalidJSON, CodeMissingFields, CodeInvalidData,
		CodeInsufficientFunds, CodeInvalidAmount:
		return http.StatusBadRequest
	case CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeUnauthorizedIP, CodeInvalidAccessKey:
		return http.StatusForbidden
	case CodeUserNotFound, CodeServerNotFound, CodeItemNotFound:
		return http.StatusNotFound
	case CodeAlreadyOwned, CodeServerFull:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeMaintenance, CodeTimeout, CodeProvisionFailed, CodeMaxServers:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// fail writes the error envelope and aborts the handler chain, so it works
// the same from middleware and from handlers.
func fail(c *gin.Context, code Code, message string) {
	c.AbortWithStatusJSON(httpStatus(code), errorEnvelope{
		Success: false,
		Error:   errorBody{Code: code, Message: message},
	})
}

// bindError classifies a ShouldBindJSON failure: unreadable bodies are
// invalid_json, wrong field types are invalid_data, failed binding tags are
// missing_required_fields.
func bindError(err error) (Code, string) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return CodeMissingFields, "missing or invalid request fields"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return CodeInvalidData, "wrong type for field " + typeErr.Field
	}
	return CodeInvalidJSON, "request body is not valid JSON"
}
