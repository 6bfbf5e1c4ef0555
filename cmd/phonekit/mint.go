package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/phonekit/phonekit/internal/capability"
)

// runMint prints a development capability token. The secret defaults to
// PHONEKIT_TOKEN_SECRET so it stays out of shell history.
func runMint(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("phonekit mint", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		caps   capability.Capabilities
		secret string
		ttl    time.Duration
	)
	fs.StringVar(&secret, "token-secret", os.Getenv("PHONEKIT_TOKEN_SECRET"), "signing secret")
	fs.StringVar(&caps.AccountSID, "account-sid", "", "account SID (token issuer)")
	fs.StringVar(&caps.AppSID, "app-sid", "", "application SID for outgoing calls")
	fs.StringVar(&caps.ClientName, "client-name", "", "client name for incoming calls")
	fs.BoolVar(&caps.Incoming, "incoming", false, "grant incoming calls")
	fs.BoolVar(&caps.Outgoing, "outgoing", true, "grant outgoing calls")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	fs.Func("param", "developer parameter key=value for outgoing calls (repeatable)", func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			return fmt.Errorf("param must be key=value, got %q", v)
		}
		if caps.DeveloperParams == nil {
			caps.DeveloperParams = make(map[string]string)
		}
		caps.DeveloperParams[k] = val
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}
	switch {
	case secret == "":
		return errors.New("token-secret is required")
	case caps.AccountSID == "":
		return errors.New("account-sid is required")
	case !caps.Incoming && !caps.Outgoing:
		return errors.New("token must grant incoming or outgoing calls")
	case caps.Incoming && caps.ClientName == "":
		return errors.New("client-name is required for incoming calls")
	case ttl <= 0:
		return errors.New("ttl must be positive")
	}

	token, err := capability.Mint([]byte(secret), caps, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
