package noise

// token is a Noise message pattern token.
type token uint8

const (
	tokenE token = iota
	tokenS
	tokenEE
	tokenES
	tokenSE
	tokenSS
	tokenPSK
)

func (t token) String() string {
	switch t {
	case tokenE:
		return "e"
	case tokenS:
		return "s"
	case tokenEE:
		return "ee"
	case tokenES:
		return "es"
	case tokenSE:
		return "se"
	case tokenSS:
		return "ss"
	case tokenPSK:
		return "psk"
	default:
		return "?"
	}
}

// handshakePattern is a named sequence of messages; even indices are sent by
// the initiator, odd ones by the responder.
type handshakePattern struct {
	name     string
	messages [][]token
}

// patternXXpsk3 is
//
//	-> e
//	<- e, ee, s, es
//	-> s, se, psk
var patternXXpsk3 = handshakePattern{
	name: "XXpsk3",
	messages: [][]token{
		{tokenE},
		{tokenE, tokenEE, tokenS, tokenES},
		{tokenS, tokenSE, tokenPSK},
	},
}

// usesPSK reports whether the pattern is in PSK mode, in which every e token
// is also mixed into the chaining key.
func (p handshakePattern) usesPSK() bool {
	for _, msg := range p.messages {
		for _, t := range msg {
			if t == tokenPSK {
				return true
			}
		}
	}
	return false
}

// protocolName returns e.g. "Noise_XXpsk3_25519_AESGCM_SHA256".
func (p handshakePattern) protocolName(suite string) string {
	return "Noise_" + p.name + "_" + suite
}

// writerOf reports which role sends message index i.
func writerOf(i int) Role {
	if i%2 == 0 {
		return Initiator
	}
	return Responder
}
