//go:build !windows

package main

import "go.uber.org/zap"

func ensureElevated(*zap.SugaredLogger) {}

func hideConsole() {}
