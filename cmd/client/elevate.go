package main

import "strings"

// elevatedEnv marks a process that was already relaunched through UAC.
const elevatedEnv = "REMOTECTL_ELEVATED"

// shouldElevate reports whether to ask for admin rights: only for an
// unelevated interactive process that has not been relaunched yet.
func shouldElevate(elevated, interactive bool, marker string) bool {
	return !elevated && interactive && marker != "1"
}

// joinArgs builds a Windows command line from args, quoting the ones that
// contain blanks or quotes.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		switch {
		case a == "":
			a = `""`
		case strings.ContainsAny(a, " \t\""):
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
