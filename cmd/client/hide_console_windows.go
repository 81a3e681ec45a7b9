//go:build windows

package main

import (
	"os"
	"syscall"
)

// hideConsole hides the console window when started by double click. Set
// REMOTECTL_SHOW_CONSOLE to keep it for debugging.
func hideConsole() {
	if os.Getenv("REMOTECTL_SHOW_CONSOLE") != "" {
		return
	}
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	getConsoleWindow := kernel32.NewProc("GetConsoleWindow")
	user32 := syscall.NewLazyDLL("user32.dll")
	showWindow := user32.NewProc("ShowWindow")
	const swHide = 0
	hwnd, _, _ := getConsoleWindow.Call()
	if hwnd == 0 { // no console (service mode)
		return
	}
	showWindow.Call(hwnd, uintptr(swHide))
}
