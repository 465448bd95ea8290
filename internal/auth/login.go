package auth

import "context"

// loginMechanism implements SASL LOGIN: a "Username:" prompt followed by
// a "Password:" prompt, each answered with a base64 line. It is a
// thin wire-format variant of PLAIN, grounded on the same identity
// normalization and callback contract.
type loginMechanism struct {
	cb   Callback
	step int
	user string
}

// NewLogin returns a Factory-compatible constructor for LOGIN.
func NewLogin(cb Callback) Mechanism {
	return &loginMechanism{cb: cb}
}

func (m *loginMechanism) Name() string { return "LOGIN" }

func (m *loginMechanism) Step(ctx context.Context, response []byte) ([]byte, bool, Result, error) {
	switch m.step {
	case 0:
		m.step = 1
		return []byte("Username:"), false, Result{}, nil
	case 1:
		user, err := normalizeIdentity(string(response))
		if err != nil {
			return nil, true, Result{}, err
		}
		m.user = user
		m.step = 2
		return []byte("Password:"), false, Result{}, nil
	default:
		res, err := m.cb(ctx, m.user, string(response))
		return nil, true, res, err
	}
}
