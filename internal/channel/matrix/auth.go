package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/autoreply/pkg/channel"
	"github.com/nous-labs/autoreply/pkg/onboarding"
)

// ErrNoSecondFactor is returned by SignIn2FA; Matrix password login has no
// second step.
var ErrNoSecondFactor = errors.New("matrix: no second factor step")

// Authenticator signs owners in with a Matrix password login.
// The onboarding "code" step carries the account password.
type Authenticator struct {
	transport *Transport
}

// NewAuthenticator creates an Authenticator that shares t's configuration.
func NewAuthenticator(t *Transport) *Authenticator {
	return &Authenticator{transport: t}
}

// RequestCode checks the homeserver accepts password logins for login.
func (a *Authenticator) RequestCode(ctx context.Context, endpoint, login string) (onboarding.Challenge, error) {
	client, err := a.transport.newClient(endpoint, "", "")
	if err != nil {
		return onboarding.Challenge{}, err
	}
	flows, err := client.GetLoginFlows(ctx)
	if err != nil {
		return onboarding.Challenge{}, fmt.Errorf("matrix login flows: %w", err)
	}
	if !flows.HasFlow(mautrix.AuthTypePassword) {
		return onboarding.Challenge{}, fmt.Errorf("homeserver %s does not offer password login", endpoint)
	}
	return onboarding.Challenge{Endpoint: endpoint, Login: strings.TrimSpace(login)}, nil
}

// SignIn logs in with the password given as code.
func (a *Authenticator) SignIn(ctx context.Context, ch onboarding.Challenge, code string) (onboarding.SignInResult, error) {
	client, err := a.transport.newClient(ch.Endpoint, "", "")
	if err != nil {
		return onboarding.SignInResult{}, err
	}

	user := ch.Login
	if uid := id.UserID(ch.Login); strings.HasPrefix(ch.Login, "@") {
		if lp, _, err := uid.Parse(); err == nil {
			user = lp
		}
	}
	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: user,
		},
		Password:                 code,
		InitialDeviceDisplayName: "autoreply",
	})
	if err != nil {
		return onboarding.SignInResult{}, fmt.Errorf("matrix login: %w", err)
	}
	session, err := encodeSession(sessionData{
		AccessToken: resp.AccessToken,
		UserID:      string(resp.UserID),
		DeviceID:    string(resp.DeviceID),
	})
	if err != nil {
		return onboarding.SignInResult{}, err
	}
	a.transport.logger.Info("matrix login complete", "user", resp.UserID, "device", resp.DeviceID)
	return onboarding.SignInResult{Session: session}, nil
}

// SignIn2FA always fails.
func (a *Authenticator) SignIn2FA(context.Context, onboarding.Challenge, string) (string, error) {
	return "", ErrNoSecondFactor
}

// Resolve connects with the new session and looks up handle.
func (a *Authenticator) Resolve(ctx context.Context, creds channel.Credentials, handle string) (channel.Identity, error) {
	sess, err := a.transport.Connect(ctx, creds)
	if err != nil {
		return channel.Identity{}, err
	}
	defer sess.Close()
	return sess.ResolveIdentity(ctx, handle)
}
