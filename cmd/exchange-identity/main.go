package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diyama/exchange-desk/internal/identity"
)

type outputDoc struct {
	Version  string `json:"version"`
	Identity string `json:"identity"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		token     string
		tokenFile string
		fromStdin bool
		asJSON    bool
	)

	fs := flag.NewFlagSet("exchange-identity", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&token, "token", "", "bearer token to derive the identity for")
	fs.StringVar(&tokenFile, "token-file", "", "file containing the bearer token")
	fs.BoolVar(&fromStdin, "stdin", false, "read the bearer token from stdin")
	fs.BoolVar(&asJSON, "json", false, "emit a JSON document instead of the bare identity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sources := 0
	for _, set := range []bool{token != "", tokenFile != "", fromStdin} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return errors.New("exactly one of --token, --token-file, or --stdin is required")
	}

	switch {
	case tokenFile != "":
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return fmt.Errorf("read token file: %w", err)
		}
		token = string(raw)
	case fromStdin:
		raw, err := io.ReadAll(io.LimitReader(stdin, 1<<16))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		token = string(raw)
	}

	id, err := identity.FromToken(strings.TrimSpace(token))
	if err != nil {
		return err
	}

	if !asJSON {
		_, err := fmt.Fprintln(stdout, id.String())
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(outputDoc{
		Version:  "exchange.identity.v1",
		Identity: id.String(),
	})
}
