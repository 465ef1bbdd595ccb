package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lif-app/lifsync/internal/config"
	"github.com/lif-app/lifsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	tokenFlag := flag.String("token", "", "bearer token for login (read from stdin if omitted)")
	userFlag := flag.String("user", "", "account user id, stored for inbound/outbound detection")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "login":
		cmdLogin(sessionName, *tokenFlag, *userFlag)
	case "logout":
		cmdLogout(sessionName)
	case "status":
		cmdStatus(sessionName)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: lifsyncctl [--session <name>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login [--token <t>] [--user <id>]   Store the bearer token for this session")
	fmt.Fprintln(os.Stderr, "  logout                              Remove the stored token")
	fmt.Fprintln(os.Stderr, "  status                              Show credential and endpoint status")
}

func cmdLogin(sessionName, token, userID string) {
	if token == "" {
		fmt.Fprint(os.Stderr, "token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read token: %v\n", err)
			os.Exit(1)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: empty token")
		os.Exit(1)
	}

	if err := session.EnsureDir(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := session.NewTokenStore(sessionName).Set(token); err != nil {
		fmt.Fprintf(os.Stderr, "error: store token: %v\n", err)
		os.Exit(1)
	}

	if userID != "" {
		cfg := loadOrDefault()
		cfg.UserID = userID
		if err := config.Save(session.ConfigPath(), cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: save config: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("Logged in. Session: %s\n", sessionName)
}

func cmdLogout(sessionName string) {
	if err := session.NewTokenStore(sessionName).Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Logged out. Session: %s\n", sessionName)
}

func cmdStatus(sessionName string) {
	cfg := loadOrDefault()
	fmt.Printf("Session:  %s\n", sessionName)
	fmt.Printf("API:      %s\n", cfg.APIBaseURL)
	fmt.Printf("Realtime: %s\n", cfg.RealtimeURL)

	if _, err := session.NewTokenStore(sessionName).Token(); err != nil {
		fmt.Println("Auth:     no credential (run lifsyncctl login)")
	} else {
		fmt.Println("Auth:     credential present")
	}
}

func loadOrDefault() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}
