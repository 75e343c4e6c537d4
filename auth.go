package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"reddit-notifier/config"
	"reddit-notifier/email"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Obtain a Gmail refresh token for email_settings.google_refresh_token",
		Long: `auth walks through the OAuth consent flow for the Gmail send scope using
email_settings.google_api_client_id and google_api_client_secret.

Open the printed URL, approve access, then paste either the code or the
full http://localhost/?code=... address the browser was sent to.`,
		RunE: runAuth,
	}
}

func runAuth(cmd *cobra.Command, _ []string) error {
	a, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	clientID := a.StringOr("email_settings.google_api_client_id")
	if clientID == "" {
		return &config.MissingKeyError{Key: "email_settings.google_api_client_id"}
	}
	clientSecret := a.StringOr("email_settings.google_api_client_secret")
	if clientSecret == "" {
		return &config.MissingKeyError{Key: "email_settings.google_api_client_secret"}
	}

	state, err := newState()
	if err != nil {
		return err
	}
	conf := email.OAuthConfig(clientID, clientSecret)
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Open this URL in a browser and approve access:\n\n%s\n\n", //nolint:errcheck // terminal output
		conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))
	fmt.Fprint(out, "Paste the code or the redirect URL: ") //nolint:errcheck // terminal output

	code, err := readAuthCode(cmd.InOrStdin(), state)
	if err != nil {
		return err
	}

	tok, err := conf.Exchange(cmd.Context(), code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("no refresh token returned; revoke the app's access and try again")
	}

	fmt.Fprintf(out, "\nRefresh token:\n%s\n\nSet email_settings.google_refresh_token or %s_EMAIL_SETTINGS_GOOGLE_REFRESH_TOKEN to this value.\n", //nolint:errcheck // terminal output
		tok.RefreshToken, config.EnvPrefix)
	return nil
}

func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// readAuthCode reads one line holding either a bare code or the redirect URL.
// A URL must carry the expected state.
func readAuthCode(r io.Reader, state string) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read auth code: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no auth code entered")
	}
	if !strings.Contains(line, "code=") {
		return line, nil
	}

	u, err := url.Parse(line)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	if q.Get("state") != state {
		return "", errors.New("oauth state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL has no code")
	}
	return code, nil
}
