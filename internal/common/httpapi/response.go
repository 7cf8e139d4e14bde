// Package httpapi provides the uniform response envelope shared by the
// Backend and Executor Manager HTTP APIs.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runloom/runloom/internal/common/apperr"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Success bool           `json:"success"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    any            `json:"data,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// OK writes a 200 response with the given payload.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 response with the given payload.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// Accepted writes a 202 response with the given payload.
func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, Envelope{Success: true, Data: data})
}

// Fail writes an error response, deriving status and code from err.
func Fail(c *gin.Context, err error) {
	env := Envelope{Success: false, Code: string(apperr.CodeOf(err)), Message: err.Error()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		env.Message = ae.Message
		env.Details = ae.Details
	}
	c.JSON(apperr.HTTPStatus(err), env)
}

// FailWith writes an error response with an explicit code and message.
func FailWith(c *gin.Context, code apperr.Code, message string) {
	Fail(c, apperr.New(code, message))
}
