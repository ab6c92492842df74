package soap

import "fmt"

// DeviceRejectedError represents a UPnP/SOAP fault response from a renderer.
type DeviceRejectedError struct {
	Action      string
	Code        string
	Description string
}

func (e *DeviceRejectedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("action %s rejected: code %s", e.Action, e.Code)
	}
	return fmt.Sprintf("action %s rejected: code %s (%s)", e.Action, e.Code, e.Description)
}

// DeviceTimeoutError indicates a request timed out.
type DeviceTimeoutError struct {
	Action string
}

func (e *DeviceTimeoutError) Error() string {
	return fmt.Sprintf("action %s timed out", e.Action)
}

// DeviceUnreachableError indicates the renderer could not be reached.
type DeviceUnreachableError struct {
	Action string
	Err    error
}

func (e *DeviceUnreachableError) Error() string {
	return fmt.Sprintf("action %s unreachable: %v", e.Action, e.Err)
}

func (e *DeviceUnreachableError) Unwrap() error {
	return e.Err
}

// MalformedXMLError indicates a reply the XML parser rejected.
type MalformedXMLError struct {
	Source string
	Err    error
}

func (e *MalformedXMLError) Error() string {
	return fmt.Sprintf("malformed xml from %s: %v", e.Source, e.Err)
}

func (e *MalformedXMLError) Unwrap() error {
	return e.Err
}

// ErrSubscriptionNotFound indicates the subscription doesn't exist (HTTP 412).
var ErrSubscriptionNotFound = fmt.Errorf("subscription not found")
