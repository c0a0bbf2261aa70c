package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const deployLockFile = ".mcpgate-deploy.lock"

// acquireDeployLock creates the lock file exclusively, embedding this
// process's pid and start time so a concurrent deploy is reported with
// enough detail to find the other operator.
func acquireDeployLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		contents, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("another deploy appears to be in progress (lock file %s exists)", path)
		}
		return nil, fmt.Errorf("another deploy appears to be in progress: %s (lock file %s)",
			strings.TrimSpace(string(contents)), path)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	fmt.Fprintf(f, "pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	f.Close()

	return func() { os.Remove(path) }, nil
}

// staleLockAge is how old a lock file must be before -force will clear it.
const staleLockAge = time.Hour

// cmdDeploy runs the deployment sequence: verify migrations are clean, pull
// the new images, restart the stack, and wait for the gateway to come back
// healthy. The lock file serializes deploys from different shells or hosts
// sharing the working directory.
func cmdDeploy(args []string) int {
	flags := flag.NewFlagSet("deploy", flag.ExitOnError)
	dbURL := flags.String("database-url", "", "database URL (defaults to DATABASE_URL)")
	composeFile := flags.String("compose-file", "docker-compose.yml", "compose file to deploy")
	healthURL := flags.String("url", "http://localhost:8080", "gateway base URL for the post-deploy health check")
	wait := flags.Duration("wait", 60*time.Second, "how long to wait for the gateway to become healthy")
	force := flags.Bool("force", false, "clear a stale lock file older than an hour")
	flags.Parse(args)

	if !requireTool("docker") {
		return missingEnv("docker not found in PATH")
	}
	if _, err := os.Stat(*composeFile); err != nil {
		return missingEnv("compose file %s: %v", *composeFile, err)
	}

	if *force {
		if info, err := os.Stat(deployLockFile); err == nil && time.Since(info.ModTime()) > staleLockAge {
			fmt.Fprintf(os.Stderr, "clearing stale lock file (age %s)\n", time.Since(info.ModTime()).Truncate(time.Second))
			os.Remove(deployLockFile)
		}
	}

	release, err := acquireDeployLock(deployLockFile)
	if err != nil {
		return fail("%v", err)
	}
	defer release()

	// A dirty migration state means the previous deploy died mid-migration;
	// deploying on top of it would compound the damage.
	if code := cmdVerifyMigrations([]string{"-database-url", databaseURL(*dbURL)}); code != exitOK {
		return code
	}

	run := func(name string, cmdArgs ...string) error {
		fmt.Printf("+ %s %s\n", name, strings.Join(cmdArgs, " "))
		cmd := exec.Command(name, cmdArgs...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}

	if err := run("docker", "compose", "-f", *composeFile, "pull"); err != nil {
		return fail("pulling images: %v", err)
	}
	if err := run("docker", "compose", "-f", *composeFile, "up", "-d", "--remove-orphans"); err != nil {
		return fail("starting stack: %v", err)
	}

	deadline := time.Now().Add(*wait)
	for {
		if code := cmdHealthCheck([]string{"-url", *healthURL, "-ready"}); code == exitOK {
			fmt.Println("deploy complete")
			return exitOK
		}
		if time.Now().After(deadline) {
			return fail("gateway did not become healthy within %s", *wait)
		}
		fmt.Println("waiting for gateway to become healthy (retry in 3s, attempts left: " +
			strconv.Itoa(int(time.Until(deadline)/(3*time.Second))) + ")")
		time.Sleep(3 * time.Second)
	}
}
