//go:build windows

package main

import (
	"os"

	svc "github.com/kardianos/service"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// ensureElevated relaunches the client through UAC when it lacks admin
// rights, which shutdown needs. On success the current process exits.
func ensureElevated(log *zap.SugaredLogger) {
	elevated := windows.GetCurrentProcessToken().IsElevated()
	if !shouldElevate(elevated, svc.Interactive(), os.Getenv(elevatedEnv)) {
		return
	}
	_ = os.Setenv(elevatedEnv, "1")
	if err := relaunchAsAdmin(os.Args[1:]); err != nil {
		log.Warnw("elevation declined or failed, continuing without admin rights", "error", err)
		return
	}
	log.Infow("relaunched with admin rights")
	_ = log.Sync()
	os.Exit(0)
}

func relaunchAsAdmin(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	verb, err := windows.UTF16PtrFromString("runas")
	if err != nil {
		return err
	}
	file, err := windows.UTF16PtrFromString(exe)
	if err != nil {
		return err
	}
	params, err := windows.UTF16PtrFromString(joinArgs(args))
	if err != nil {
		return err
	}
	return windows.ShellExecute(0, verb, file, params, nil, windows.SW_SHOWNORMAL)
}
