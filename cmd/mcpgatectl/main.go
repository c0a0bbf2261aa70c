// Command mcpgatectl is the operator toolbox for a mcpgate deployment:
// database backup/restore/validation, migration verification, health
// checking, and a deploy wrapper with concurrent-deploy detection.
//
// Exit codes: 0 success, 1 application failure, 2 invalid input,
// 3 environmental prerequisite missing.
package main

import (
	"fmt"
	"os"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitBadInput   = 2
	exitMissingEnv = 3
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mcpgatectl <command> [flags]

commands:
  backup           write a compressed database backup to a file
  restore          restore a database backup into an empty database
  validate-backup  verify a backup file is a restorable archive
  verify-migrations  report the applied migration version and dirty state
  health-check     probe a running gateway's health endpoints
  deploy           pull and restart the gateway, guarded by a lock file
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitBadInput)
	}

	var code int
	switch os.Args[1] {
	case "backup":
		code = cmdBackup(os.Args[2:])
	case "restore":
		code = cmdRestore(os.Args[2:])
	case "validate-backup":
		code = cmdValidateBackup(os.Args[2:])
	case "verify-migrations":
		code = cmdVerifyMigrations(os.Args[2:])
	case "health-check":
		code = cmdHealthCheck(os.Args[2:])
	case "deploy":
		code = cmdDeploy(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		code = exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		code = exitBadInput
	}
	os.Exit(code)
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	return exitFailure
}

func badInput(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	return exitBadInput
}

func missingEnv(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	return exitMissingEnv
}
