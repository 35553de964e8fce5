// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"errors"
	"strings"
)

// ErrorClass buckets device and permission failures. Classification is
// purely local and deterministic for a given underlying error.
type ErrorClass string

const (
	ErrorClassPermissionDenied ErrorClass = "permission-denied"
	ErrorClassDeviceNotFound   ErrorClass = "device-not-found"
	ErrorClassDeviceInUse      ErrorClass = "device-in-use"
	ErrorClassUnsupported      ErrorClass = "unsupported"
	ErrorClassNetwork          ErrorClass = "network"
	ErrorClassSystemBlocked    ErrorClass = "system-blocked"
	ErrorClassUnknown          ErrorClass = "unknown"
)

var remediations = map[ErrorClass]string{
	ErrorClassPermissionDenied: "Grant camera and microphone permissions in the browser or system settings, then retry.",
	ErrorClassDeviceNotFound:   "Connect a camera or microphone and retry.",
	ErrorClassDeviceInUse:      "Close other applications using the camera or microphone, then retry.",
	ErrorClassUnsupported:      "The requested media settings are not supported by this device. Retry with default settings.",
	ErrorClassNetwork:          "Check the network connection and retry.",
	ErrorClassSystemBlocked:    "Media capture is blocked by a system policy. Contact the device administrator.",
	ErrorClassUnknown:          "An unexpected media error occurred. Reload and retry.",
}

// DeviceError attaches a classification and remediation guidance to an
// underlying capture failure.
type DeviceError struct {
	Class       ErrorClass
	Remediation string
	cause       error
}

func (e *DeviceError) Error() string {
	return string(e.Class) + ": " + e.cause.Error()
}

func (e *DeviceError) Unwrap() error {
	return e.cause
}

// ClassifyError wraps a capture failure with its class. Already classified
// errors pass through unchanged.
func ClassifyError(err error) *DeviceError {
	if err == nil {
		return nil
	}

	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr
	}

	class := classify(err)

	return &DeviceError{
		Class:       class,
		Remediation: remediations[class],
		cause:       err,
	}
}

func classify(err error) ErrorClass {
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "notallowederror", "permission denied", "permission dismissed", "not permitted"):
		return ErrorClassPermissionDenied
	case containsAny(msg, "notfounderror", "no such device", "device not found", "failed to find"):
		return ErrorClassDeviceNotFound
	case containsAny(msg, "notreadableerror", "device in use", "device or resource busy", "could not start"):
		return ErrorClassDeviceInUse
	case containsAny(msg, "overconstrainederror", "notsupportederror", "not supported", "no suitable codec"):
		return ErrorClassUnsupported
	case containsAny(msg, "network", "connection refused", "timeout"):
		return ErrorClassNetwork
	case containsAny(msg, "securityerror", "disabled by policy", "blocked by the system"):
		return ErrorClassSystemBlocked
	default:
		return ErrorClassUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
