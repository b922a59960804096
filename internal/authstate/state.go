package authstate

import "time"

// Credential is the token bundle returned by the identity provider after sign-in.
type Credential struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType,omitempty"`
	IDToken     string    `json:"idToken,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"`
	ProviderID  string    `json:"providerId,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
}

// State is the authentication snapshot. IsAuthenticated holds iff User and Credential are both present.
type State struct {
	IsAuthenticated bool
	User            string
	Credential      *Credential
	RefreshToken    string
	Error           string
}

// AccessToken returns the credential's access token or an empty string.
func (state State) AccessToken() string {
	if state.Credential == nil {
		return ""
	}
	return state.Credential.AccessToken
}

// ActionKind names an AuthState transition.
type ActionKind string

const (
	ActionLogin  ActionKind = "LOGIN"
	ActionLogout ActionKind = "LOGOUT"
	ActionError  ActionKind = "ERROR"
)

// Action carries a transition and its payload.
type Action struct {
	Kind         ActionKind
	User         string
	Credential   *Credential
	RefreshToken string
	Error        string
}

// Known reports whether the reducer handles the action kind.
func (kind ActionKind) Known() bool {
	switch kind {
	case ActionLogin, ActionLogout, ActionError:
		return true
	default:
		return false
	}
}

// InitialState is the logged-out state.
func InitialState() State {
	return State{}
}

// Reduce applies an action. Unknown kinds return the state unchanged.
func Reduce(state State, action Action) State {
	switch action.Kind {
	case ActionLogin:
		credential := cloneCredential(action.Credential)
		return State{
			IsAuthenticated: action.User != "" && credential != nil,
			User:            action.User,
			Credential:      credential,
			RefreshToken:    action.RefreshToken,
		}
	case ActionLogout:
		next := InitialState()
		next.Error = action.Error
		return next
	case ActionError:
		next := state
		next.Error = action.Error
		return next
	default:
		return state
	}
}

func cloneCredential(credential *Credential) *Credential {
	if credential == nil {
		return nil
	}
	clone := *credential
	if credential.Scopes != nil {
		clone.Scopes = append([]string(nil), credential.Scopes...)
	}
	return &clone
}
