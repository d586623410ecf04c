package versionx

import (
	"errors"
)

var ErrProtocol = errors.New("version tag protocol error")

type protocolError struct {
	message string
}

func (e protocolError) Error() string {
	return "version tag protocol error: " + e.message
}

func (e protocolError) Unwrap() error {
	return ErrProtocol
}
