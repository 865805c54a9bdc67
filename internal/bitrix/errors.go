package bitrix

import "fmt"

// Error is returned when Bitrix24 answers with an error envelope in the
// response body, regardless of the HTTP status code.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix: %s", e.Description)
	}
	return fmt.Sprintf("bitrix: %s", e.Code)
}
