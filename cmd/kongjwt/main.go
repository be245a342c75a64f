// Command kongjwt builds, verifies and inspects HS256 tokens for Kong's JWT
// plugin. Tokens are signed locally with an explicit key and secret, or with
// the credential a Kong consumer holds in the Admin API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dskow/kongjwt/internal/config"
	"github.com/dskow/kongjwt/internal/kong"
	"github.com/dskow/kongjwt/internal/logging"
	"github.com/dskow/kongjwt/internal/manager"
	"github.com/dskow/kongjwt/internal/token"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: kongjwt [-config file] [-env-file file] [-v] <command> [arguments]

Commands:
  generate [consumer] [-expires 1h] [-json]   sign with the consumer's Kong credential
  sign -key K -secret S [-expires 1h] [-json] sign with an explicit credential
  list [-json]                                list credentials of matching consumers
  verify [-secret S] [-leeway 0s] TOKEN       check a token's signature and expiry
  decode TOKEN                                print a token's header and claims unverified

Examples:
  kongjwt generate maximo-hldev-api
  kongjwt generate maximo-test-api -expires 15m
  kongjwt sign -key maximo-hldev-key -secret "$SECRET" -expires 0
  kongjwt list
`)
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kongjwt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	configPath := fs.String("config", "configs/kongjwt.yaml", "path to configuration file (optional)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the configuration (optional)")
	verbose := fs.Bool("v", false, "log debug output to stderr")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr)
		return exitUsage
	}

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
	}
	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(stderr, "text", level)
	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	a := &app{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "generate":
		return a.generate(ctx, cmdArgs)
	case "sign":
		return a.sign(cmdArgs)
	case "list":
		return a.list(ctx, cmdArgs)
	case "verify":
		return a.verify(cmdArgs)
	case "decode":
		return a.decode(cmdArgs)
	case "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return exitUsage
	}
}

// maxExpirySeconds is the largest whole-second count a time.Duration holds.
const maxExpirySeconds = math.MaxInt64 / int64(time.Second)

// expiryFlag accepts a Go duration ("90m") or whole seconds ("3600").
// Zero means the token never expires.
type expiryFlag struct {
	d time.Duration
}

func (e *expiryFlag) String() string { return e.d.String() }

func (e *expiryFlag) Set(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		n, convErr := strconv.ParseInt(s, 10, 64)
		if convErr != nil {
			return fmt.Errorf("invalid duration %q", s)
		}
		if n < 0 {
			return token.ErrNegativeExpiry
		}
		if n > maxExpirySeconds {
			return fmt.Errorf("%w: %d seconds is out of range", token.ErrInvalidExpiry, n)
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		return token.ErrNegativeExpiry
	}
	if d%time.Second != 0 {
		return token.ErrInvalidExpiry
	}
	e.d = d
	return nil
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("kongjwt "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// parseInterspersed lets flags appear before or after positional arguments.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func (a *app) newManager() (*manager.Manager, error) {
	client, err := kong.New(a.cfg.Kong, a.logger)
	if err != nil {
		return nil, err
	}
	return manager.New(client, token.NewBuilder(a.cfg.Token.Subject, nil), a.cfg.Kong.ConsumerFilter, a.logger), nil
}

func (a *app) fail(err error) int {
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	if errors.Is(err, token.ErrNegativeExpiry) || errors.Is(err, token.ErrInvalidExpiry) {
		return exitUsage
	}
	return exitFailure
}

type tokenJSON struct {
	Consumer  string  `json:"consumer,omitempty"`
	Key       string  `json:"key"`
	Token     string  `json:"token"`
	ExpiresAt *string `json:"expires_at"`
}

func (a *app) printToken(consumer, key string, signed *token.Signed, asJSON bool) int {
	if asJSON {
		out := tokenJSON{Consumer: consumer, Key: key, Token: signed.Token}
		if _, ok := signed.ExpiresAt(); ok {
			exp := signed.Expiry()
			out.ExpiresAt = &exp
		}
		return a.writeJSON(out)
	}

	fmt.Fprintln(a.stdout, "JWT Token Generated:")
	if consumer != "" {
		fmt.Fprintf(a.stdout, "Consumer: %s\n", consumer)
	}
	fmt.Fprintf(a.stdout, "Token: %s\n", signed.Token)
	fmt.Fprintf(a.stdout, "Key: %s\n", key)
	fmt.Fprintf(a.stdout, "Expires: %s\n", signed.Expiry())
	fmt.Fprintln(a.stdout)
	fmt.Fprintln(a.stdout, "Curl command:")
	fmt.Fprintf(a.stdout, "curl -X GET %s%s \\\n", strings.TrimRight(a.cfg.Token.GatewayURL, "/"), a.cfg.Token.SamplePath)
	fmt.Fprintf(a.stdout, "  -H \"Authorization: Bearer %s\"\n", signed.Token)
	return exitOK
}

func (a *app) writeJSON(v interface{}) int {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return a.fail(err)
	}
	return exitOK
}

func (a *app) generate(ctx context.Context, args []string) int {
	fs := a.flagSet("generate")
	expires := expiryFlag{d: a.cfg.Token.Expiry()}
	fs.Var(&expires, "expires", "token lifetime, e.g. 1h or 3600; 0 never expires")
	asJSON := fs.Bool("json", false, "print the token as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) > 1 {
		fmt.Fprintln(a.stderr, "generate takes at most one consumer name")
		return exitUsage
	}

	consumer := a.cfg.Kong.DefaultConsumer
	if len(positional) == 1 {
		consumer = positional[0]
	}

	mgr, err := a.newManager()
	if err != nil {
		return a.fail(err)
	}
	g, err := mgr.GenerateForConsumer(ctx, consumer, expires.d)
	if err != nil {
		return a.fail(err)
	}
	return a.printToken(g.Consumer, g.Key, g.Signed, *asJSON)
}

func (a *app) sign(args []string) int {
	fs := a.flagSet("sign")
	key := fs.String("key", a.cfg.Token.Key, "credential key, written as iss")
	secret := fs.String("secret", a.cfg.Token.Secret, "credential secret")
	expires := expiryFlag{d: a.cfg.Token.Expiry()}
	fs.Var(&expires, "expires", "token lifetime, e.g. 1h or 3600; 0 never expires")
	asJSON := fs.Bool("json", false, "print the token as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) > 0 {
		fmt.Fprintf(a.stderr, "sign takes no arguments, got %q\n", positional)
		return exitUsage
	}
	if *key == "" || *secret == "" {
		fmt.Fprintln(a.stderr, "sign requires -key and -secret (or token.key and token.secret in the config)")
		return exitUsage
	}

	builder := token.NewBuilder(a.cfg.Token.Subject, nil)
	signed, err := manager.NewMinter(builder, *key, *secret, expires.d, "static").Mint()
	if err != nil {
		return a.fail(err)
	}
	return a.printToken("", *key, signed, *asJSON)
}

func (a *app) list(ctx context.Context, args []string) int {
	fs := a.flagSet("list")
	asJSON := fs.Bool("json", false, "print the credentials as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) > 0 {
		fmt.Fprintf(a.stderr, "list takes no arguments, got %q\n", positional)
		return exitUsage
	}

	mgr, err := a.newManager()
	if err != nil {
		return a.fail(err)
	}
	summaries, err := mgr.ListCredentials(ctx)
	if err != nil {
		return a.fail(err)
	}
	if *asJSON {
		return a.writeJSON(summaries)
	}

	fmt.Fprintln(a.stdout, "=== Kong JWT Credentials ===")
	fmt.Fprintln(a.stdout)
	for _, s := range summaries {
		fmt.Fprintf(a.stdout, "Consumer: %s\n", s.Consumer)
		fmt.Fprintf(a.stdout, "Environment: %s\n", s.Environment)
		fmt.Fprintf(a.stdout, "Tags: %s\n", jsonList(s.Tags))
		fmt.Fprintln(a.stdout, "Credentials:")
		for i, c := range s.Credentials {
			fmt.Fprintf(a.stdout, "  %d. Key: %s\n", i+1, c.Key)
			fmt.Fprintf(a.stdout, "     ID: %s\n", c.ID)
			fmt.Fprintf(a.stdout, "     Tags: %s\n", jsonList(c.Tags))
			fmt.Fprintf(a.stdout, "     Created: %s\n", c.Created)
		}
		fmt.Fprintln(a.stdout)
	}
	return exitOK
}

func jsonList(s []string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (a *app) verify(args []string) int {
	fs := a.flagSet("verify")
	secret := fs.String("secret", a.cfg.Token.Secret, "credential secret")
	leeway := fs.Duration("leeway", 0, "tolerated clock skew on exp")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) != 1 {
		fmt.Fprintln(a.stderr, "verify takes exactly one token")
		return exitUsage
	}
	if *secret == "" {
		fmt.Fprintln(a.stderr, "verify requires -secret (or token.secret in the config)")
		return exitUsage
	}

	claims, err := token.NewVerifier(nil, *leeway).Verify(positional[0], *secret)
	if err != nil {
		fmt.Fprintf(a.stdout, "Token is invalid: %v\n", err)
		return exitFailure
	}

	fmt.Fprintln(a.stdout, "Token is valid")
	fmt.Fprintf(a.stdout, "Issuer: %s\n", claims.Issuer)
	fmt.Fprintf(a.stdout, "Subject: %s\n", claims.Subject)
	if claims.IssuedAt != nil {
		fmt.Fprintf(a.stdout, "Issued: %s\n", claims.IssuedAt.UTC().Format(time.RFC3339))
	}
	expires := "never"
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(a.stdout, "Expires: %s\n", expires)
	return exitOK
}

func (a *app) decode(args []string) int {
	fs := a.flagSet("decode")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(positional) != 1 {
		fmt.Fprintln(a.stderr, "decode takes exactly one token")
		return exitUsage
	}

	header, claims, err := token.Decode(positional[0])
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stderr, "Signature NOT verified.")
	return a.writeJSON(map[string]interface{}{
		"header": header,
		"claims": claims,
	})
}
