package auth

import "strings"

// Route targets recognized by the decision function.
const (
	PathLogin          = "/login"
	PathStaffLogin     = "/intranet/login"
	PathChangePassword = "/change-password"
	PathPortal         = "/portal"
	PathDashboard      = "/dashboard"
	PathIntranet       = "/intranet"
)

// Decision is the outcome of a route authorization check: either the
// request proceeds, or the browser is redirected to an absolute target.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func redirect(to string) Decision { return Decision{RedirectTo: to} }

// Decide maps (session, requested path) to allow-or-redirect. session is
// nil for anonymous requests. The rules form a strict precedence chain;
// the first match wins and later rules are unreachable for that request.
//
//  1. A session with a pending forced password change goes to
//     /change-password no matter what it asked for. This runs before the
//     role partitions so staff under forced change are intercepted on
//     internal routes too.
//  2. /change-password itself (only reached when rule 1 didn't fire, i.e.
//     no forced change is pending) requires a session.
//  3. The staff space (/dashboard, /intranet) bounces patients to the
//     portal and anonymous users to the staff login — except the staff
//     login page itself, or anonymous users could never break the loop.
//  4. The patient space (/portal) bounces staff to the dashboard and
//     anonymous users to the public login.
//  5. Everything else is public.
func Decide(session *Claim, requestedPath string) Decision {
	path := requestedPath

	// Rule 1: forced password change intercepts everything.
	if session != nil && session.MustChangePassword {
		if path != PathChangePassword {
			return redirect(PathChangePassword)
		}
		return allow()
	}

	// Rule 2: the change-password page needs a session.
	if path == PathChangePassword {
		if session == nil {
			return redirect(PathLogin)
		}
		return allow()
	}

	// Rule 3: staff/internal route space.
	if strings.HasPrefix(path, PathDashboard) || strings.HasPrefix(path, PathIntranet) {
		if session != nil {
			if session.Role.IsPatient() {
				return redirect(PathPortal)
			}
			return allow()
		}
		if path == PathStaffLogin {
			return allow()
		}
		return redirect(PathStaffLogin)
	}

	// Rule 4: patient portal route space.
	if strings.HasPrefix(path, PathPortal) {
		if session != nil {
			if !session.Role.IsPatient() {
				return redirect(PathDashboard)
			}
			return allow()
		}
		return redirect(PathLogin)
	}

	// Rule 5: public.
	return allow()
}
