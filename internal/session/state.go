package session

import "github.com/arturoeanton/barnstaff/internal/domain"

// State is the published {session, profile, loading} tuple. Consumers get
// copies and never mutate the controller's own value.
type State struct {
	Session *domain.Session `json:"session"`
	Profile *domain.Profile `json:"profile"`
	Loading bool            `json:"loading"`

	// Unconfigured is set when the backend URL or key is missing. The session
	// flow is skipped entirely and screens show setup instructions.
	Unconfigured bool `json:"unconfigured"`
}

// IsAdmin reports whether the signed-in profile has the Admin role.
func (s State) IsAdmin() bool {
	return s.Session != nil && s.Profile.IsAdmin()
}

// Phase is the controller's position in the session state machine.
type Phase string

// Phases.
const (
	PhaseUninitialized          Phase = "uninitialized"
	PhaseLoading                Phase = "loading"
	PhaseSetupRequired          Phase = "setup_required"
	PhaseUnauthenticated        Phase = "unauthenticated"
	PhaseAuthenticatedNoProfile Phase = "authenticated_no_profile"
	PhaseAuthenticatedComplete  Phase = "authenticated_complete"
)

// Phase derives the state-machine position from the tuple. A nil profile
// under a live session means "needs profile completion", never an error.
func (s State) Phase() Phase {
	switch {
	case s.Unconfigured:
		return PhaseSetupRequired
	case s.Loading:
		return PhaseLoading
	case s.Session == nil:
		return PhaseUnauthenticated
	case !s.Profile.Complete():
		return PhaseAuthenticatedNoProfile
	default:
		return PhaseAuthenticatedComplete
	}
}

func (s State) clone() State {
	out := s
	if s.Session != nil {
		sess := *s.Session
		out.Session = &sess
	}
	if s.Profile != nil {
		p := *s.Profile
		if s.Profile.DisplayName != nil {
			name := *s.Profile.DisplayName
			p.DisplayName = &name
		}
		out.Profile = &p
	}
	return out
}
