package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/joshp123/automower/internal/config"
	"github.com/joshp123/automower/internal/oauth"
	"github.com/joshp123/automower/plugins/automower"
)

type loginOutput struct {
	Provider      string `json:"provider"`
	Flow          string `json:"flow"`
	StatePath     string `json:"state_path"`
	UserID        string `json:"user_id,omitempty"`
	Scope         string `json:"scope,omitempty"`
	ExpiresIn     int64  `json:"expires_in"`
	BlobPersisted bool   `json:"blob_persisted"`
}

func loginUsage() {
	fmt.Println("automower login [flags]")
	fmt.Println("")
	fmt.Println("Flags:")
	fmt.Println("  --flow password|auth-code|client-credentials (default password)")
	fmt.Println("  --redirect-url <url>   required for auth-code")
	fmt.Println("  --env-file <path>")
	fmt.Println("  --no-open              do not open the browser")
	fmt.Println("  --json")
}

func loginMain(args []string) {
	flags := flag.NewFlagSet("login", flag.ExitOnError)
	flags.Usage = loginUsage
	envFile := flags.String("env-file", config.DefaultEnvFile, "Path to .env file")
	flow := flags.String("flow", oauth.FlowPassword, "Grant to use")
	redirectURL := flags.String("redirect-url", "", "Redirect URL for auth-code")
	noOpen := flags.Bool("no-open", false, "Do not open the browser automatically")
	jsonOut := flags.Bool("json", false, "Output JSON to stdout")
	timeout := flags.Duration("timeout", 5*time.Minute, "Timeout for the login flow")
	_ = flags.Parse(args)

	cfg, err := config.Load(*envFile)
	if err != nil {
		fatal("config", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	session, err := automower.NewSession(sessionConfig(cfg, logger))
	if err != nil {
		fatal("login", err)
	}
	client := session.Client()

	var token oauth.Token
	switch strings.ReplaceAll(*flow, "-", "_") {
	case oauth.FlowPassword:
		if cfg.Automower.Username == "" || cfg.Automower.Password == "" {
			fatal("login", errors.New("AUTOMOWER_USERNAME and AUTOMOWER_PASSWORD are required for the password flow"))
		}
		token, err = client.Authenticate(ctx, cfg.Automower.Username, cfg.Automower.Password)
	case oauth.FlowClientCredentials:
		token, err = client.AuthenticateClientCredentials(ctx)
	case oauth.FlowAuthCode:
		token, err = authCodeLogin(ctx, client, *redirectURL, *noOpen, *jsonOut)
	default:
		loginUsage()
		os.Exit(2)
	}
	if err != nil {
		fatal("login", err)
	}
	if token.ExpiresAt == 0 {
		token.ExpiresAt = time.Now().Unix() + token.ExpiresIn
	}

	persister, err := newPersister(cfg, logger)
	if err != nil {
		fatal("login", err)
	}
	if err := persister.Save(ctx, token); err != nil {
		fatal("persist", err)
	}

	output := loginOutput{
		Provider:      automower.Provider,
		Flow:          *flow,
		StatePath:     cfg.Automower.StatePath,
		UserID:        token.UserID,
		Scope:         token.Scope,
		ExpiresIn:     token.ExpiresIn,
		BlobPersisted: cfg.OAuthBlob.Enabled(),
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(output, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("Token stored at %s\n", output.StatePath)
	if output.UserID != "" {
		fmt.Printf("User: %s\n", output.UserID)
	}
	if output.Scope != "" {
		fmt.Printf("Scope: %s\n", output.Scope)
	}
}

func authCodeLogin(ctx context.Context, client *automower.Client, redirectURL string, noOpen, jsonOut bool) (oauth.Token, error) {
	if redirectURL == "" {
		return oauth.Token{}, errors.New("--redirect-url is required for auth-code")
	}
	state, err := randomState(16)
	if err != nil {
		return oauth.Token{}, err
	}
	authURL := client.AuthCodeURL(state, redirectURL)
	printPrompt(jsonOut, "Open this URL to authorize:", authURL)
	if !noOpen {
		_ = openBrowser(authURL)
	}
	code, err := waitForAuthCode(ctx, redirectURL, state, jsonOut)
	if err != nil {
		return oauth.Token{}, err
	}
	return client.ExchangeCode(ctx, code, redirectURL)
}

func waitForAuthCode(ctx context.Context, redirectURL, state string, jsonOut bool) (string, error) {
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}

	if isLoopback(parsed.Hostname()) && parsed.Scheme == "http" && parsed.Host != "" {
		code, err := listenForAuthCode(ctx, parsed, state)
		if err == nil {
			return code, nil
		}
		printPrompt(jsonOut, fmt.Sprintf("Warning: failed to listen for callback, falling back to manual paste: %v", err))
	}

	printPrompt(jsonOut, "Paste the authorization code (or full redirect URL): ")
	return readCodeFromStdin()
}

func listenForAuthCode(ctx context.Context, redirect *url.URL, state string) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	srv := &http.Server{
		Addr:              redirect.Host,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if redirect.Path != "" && r.URL.Path != redirect.Path {
				http.NotFound(w, r)
				return
			}
			query := r.URL.Query()
			if errStr := query.Get("error"); errStr != "" {
				errCh <- fmt.Errorf("authorization error: %s", errStr)
				_, _ = w.Write([]byte("Authorization failed. You can close this window."))
				return
			}
			if got := query.Get("state"); got != state {
				errCh <- errors.New("state mismatch")
				_, _ = w.Write([]byte("State mismatch. You can close this window."))
				return
			}
			code := query.Get("code")
			if code == "" {
				errCh <- errors.New("missing code in callback")
				_, _ = w.Write([]byte("Missing authorization code. You can close this window."))
				return
			}
			codeCh <- code
			_, _ = w.Write([]byte("Authorization received. You can close this window."))
		}),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer func() {
		_ = srv.Close()
	}()

	select {
	case <-ctx.Done():
		return "", errors.New("authorization timed out")
	case err := <-errCh:
		return "", err
	case code := <-codeCh:
		return code, nil
	}
}

func readCodeFromStdin() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no code provided")
	}
	if parsed, err := url.Parse(line); err == nil && parsed.Query().Get("code") != "" {
		return parsed.Query().Get("code"), nil
	}
	return line, nil
}

func printPrompt(jsonOut bool, lines ...string) {
	out := os.Stdout
	if jsonOut {
		out = os.Stderr
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "linux":
		return exec.Command("xdg-open", target).Start()
	default:
		return nil
	}
}

func randomState(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
