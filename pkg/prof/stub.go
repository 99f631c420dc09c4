//go:build !profile

package prof

// Session is a running profile capture. Without the "profile" build tag it
// never records anything.
type Session struct{}

// Start returns an idle session for an empty plan and ErrDisabled
// otherwise.
func Start(plan Plan) (*Session, error) {
	if !plan.Empty() {
		return nil, ErrDisabled
	}
	return &Session{}, nil
}

// Stop does nothing.
func (s *Session) Stop() error { return nil }
