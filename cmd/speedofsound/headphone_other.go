//go:build !linux

package main

import (
	"context"
	"errors"
	"log/slog"
)

var errHeadphoneUnsupported = errors.New("headphone jack monitoring requires linux")

// HeadphoneJack is unavailable on this platform.
type HeadphoneJack struct{}

func NewHeadphoneJack(string, *slog.Logger) *HeadphoneJack { return &HeadphoneJack{} }

func (*HeadphoneJack) Connected(context.Context) (bool, error) {
	return false, errHeadphoneUnsupported
}

func (*HeadphoneJack) Run(context.Context, chan<- Event) error {
	return errHeadphoneUnsupported
}
