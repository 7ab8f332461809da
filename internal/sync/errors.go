package sync

import "errors"

var (
	// ErrNotConnected means the user has no stored Google credential.
	ErrNotConnected = errors.New("google calendar not connected")
	// ErrNotProvisioned means no managed calendar exists yet for the user.
	ErrNotProvisioned = errors.New("managed calendar not provisioned")
	// ErrNoRefreshToken means the authorization grant came back without a
	// refresh token, which makes long-lived sync impossible. The consent
	// request must ask for offline access.
	ErrNoRefreshToken = errors.New("authorization response carried no refresh token")
)
