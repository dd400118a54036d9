// Command hashpw prints a bcrypt hash and the matching config.yaml user entry.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"opsdash/internal/middleware"

	"golang.org/x/term"
)

func main() {
	username := flag.String("username", "admin", "Username for the config entry")
	password := flag.String("password", "", "Password (leave blank to type securely)")
	verify := flag.String("verify", "", "Existing hash to check the password against instead of hashing")
	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "username cannot be empty")
		os.Exit(1)
	}

	auth := middleware.NewAuthService("", 0)

	if *verify != "" {
		pwd := *password
		var err error
		if pwd == "" {
			pwd, err = promptPassword("Password: ", os.Stdin)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "password error: %v\n", err)
			os.Exit(1)
		}
		if !auth.CheckPassword(pwd, *verify) {
			fmt.Println("mismatch")
			os.Exit(2)
		}
		fmt.Println("match")
		return
	}

	pwd, err := resolvePassword(*password, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "password error: %v\n", err)
		os.Exit(1)
	}
	hash, err := auth.HashPassword(pwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(userEntry(*username, hash))
}

// userEntry renders the auth.users item for config.yaml.
func userEntry(username, hash string) string {
	return fmt.Sprintf("auth:\n  users:\n    - username: %q\n      password_hash: %q\n", strings.TrimSpace(username), hash)
}

func resolvePassword(input string, in io.Reader) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed != "" {
		if len(trimmed) < 8 {
			return "", fmt.Errorf("password must be at least 8 characters")
		}
		return trimmed, nil
	}

	reader := bufio.NewReader(in)
	first, err := promptPassword("Enter new password: ", reader)
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Confirm password: ", reader)
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	return first, nil
}

func promptPassword(prompt string, in io.Reader) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytes, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader, ok := in.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(in)
	}
	text, err := reader.ReadString('\n')
	if err != nil && !(err == io.EOF && text != "") {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
