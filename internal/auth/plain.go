package auth

import "context"

// plainMechanism implements SASL PLAIN (RFC 4616): a single response of
// "authzid\0authcid\0passwd", optionally supplied as the AUTH command's
// initial-response, or otherwise solicited with an empty challenge.
type plainMechanism struct {
	cb   Callback
	done bool
}

// NewPlain returns a Factory-compatible constructor for PLAIN.
func NewPlain(cb Callback) Mechanism {
	return &plainMechanism{cb: cb}
}

func (m *plainMechanism) Name() string { return "PLAIN" }

func (m *plainMechanism) Step(ctx context.Context, response []byte) ([]byte, bool, Result, error) {
	if m.done {
		return nil, true, Result{}, nil
	}
	if response == nil {
		// No initial response was given; solicit one with an empty
		// challenge (334 with no text, conventionally).
		return []byte{}, false, Result{}, nil
	}

	m.done = true
	identity, passwd, err := DecodeInitialResponse(response)
	if err != nil {
		return nil, true, Result{}, err
	}

	res, err := m.cb(ctx, identity, passwd)
	return nil, true, res, err
}
