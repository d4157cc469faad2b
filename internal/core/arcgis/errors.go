package arcgis

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidToken is returned for the 498/499 token error codes.
	ErrInvalidToken = errors.New("arcgis: invalid or missing token")
	ErrNotFound     = errors.New("arcgis: not found")
	ErrTruncated    = errors.New("arcgis: result exceeds paging limit")
)

// ServiceError is the {"error":{...}} envelope returned with HTTP 200.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	switch e.Code {
	case 498, 499:
		return ErrInvalidToken
	case 404:
		return ErrNotFound
	}
	return nil
}

// EditError describes one failed add/delete inside an applyEdits response.
type EditError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func (e *EditError) Error() string {
	return fmt.Sprintf("edit failed %d: %s", e.Code, e.Description)
}
