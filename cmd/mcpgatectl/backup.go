package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// databaseURL resolves the target database from -database-url or the
// DATABASE_URL environment variable.
func databaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("DATABASE_URL")
}

func requireTool(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// cmdBackup writes a pg_dump custom-format archive. Custom format keeps the
// backup compressed and lets restore and validate-backup work off the
// archive's own table of contents.
func cmdBackup(args []string) int {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	dbURL := fs.String("database-url", "", "database URL (defaults to DATABASE_URL)")
	out := fs.String("out", "", "output file (default mcpgate-<timestamp>.dump)")
	fs.Parse(args)

	url := databaseURL(*dbURL)
	if url == "" {
		return missingEnv("DATABASE_URL not set and -database-url not given")
	}
	if !requireTool("pg_dump") {
		return missingEnv("pg_dump not found in PATH")
	}

	file := *out
	if file == "" {
		file = fmt.Sprintf("mcpgate-%s.dump", time.Now().UTC().Format("20060102-150405"))
	}

	cmd := exec.Command("pg_dump", "--format=custom", "--no-owner", "--file", file, url)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fail("pg_dump failed: %v", err)
	}

	fmt.Printf("backup written to %s\n", file)
	return exitOK
}

// cmdRestore loads a backup archive into the target database. The target is
// expected to be a freshly created, empty database; --clean --if-exists
// makes a re-run against a partially restored target idempotent.
func cmdRestore(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dbURL := fs.String("database-url", "", "database URL (defaults to DATABASE_URL)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return badInput("restore requires exactly one backup file argument")
	}
	file := fs.Arg(0)
	if _, err := os.Stat(file); err != nil {
		return badInput("backup file %s: %v", file, err)
	}

	url := databaseURL(*dbURL)
	if url == "" {
		return missingEnv("DATABASE_URL not set and -database-url not given")
	}
	if !requireTool("pg_restore") {
		return missingEnv("pg_restore not found in PATH")
	}

	cmd := exec.Command("pg_restore", "--clean", "--if-exists", "--no-owner", "--dbname", url, file)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fail("pg_restore failed: %v", err)
	}

	fmt.Printf("restored %s\n", file)
	return exitOK
}

// criticalTables must all be present in a backup archive for it to be
// considered restorable.
var criticalTables = []string{
	"tenants",
	"users",
	"api_keys",
	"members",
	"audit_log_admin",
	"audit_log_auth",
	"support_tickets",
}

// cmdValidateBackup lists the archive's table of contents without touching
// any database and checks every critical table appears in it.
func cmdValidateBackup(args []string) int {
	fs := flag.NewFlagSet("validate-backup", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return badInput("validate-backup requires exactly one backup file argument")
	}
	file := fs.Arg(0)
	if _, err := os.Stat(file); err != nil {
		return badInput("backup file %s: %v", file, err)
	}
	if !requireTool("pg_restore") {
		return missingEnv("pg_restore not found in PATH")
	}

	out, err := exec.Command("pg_restore", "--list", file).Output()
	if err != nil {
		return fail("backup archive is not readable: %v", err)
	}

	toc := string(out)
	var missing []string
	for _, table := range criticalTables {
		if !strings.Contains(toc, "TABLE DATA") || !strings.Contains(toc, " "+table+" ") {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fail("backup is missing critical tables: %s", strings.Join(missing, ", "))
	}

	fmt.Printf("backup %s is valid (%d critical tables present)\n", file, len(criticalTables))
	return exitOK
}
