//go:build no_automation

package main

import (
	"log/slog"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/transport"
	"mqtt-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *registry.Registry, _ *transport.Transport, _ *event.Bus, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
