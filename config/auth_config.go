package config

// Mechanism names the SASL-style login mechanism sent in Connection.StartOk.
type Mechanism string

const (
	// MechanismAMQPlain sends LOGIN/PASSWORD as a field table without its
	// length prefix. It is the only mechanism the client implements.
	MechanismAMQPlain Mechanism = "AMQPLAIN"
)

// Credentials are the plain-text login pair used during the handshake.
type Credentials struct {
	Login    string `toml:"login"`
	Password string `toml:"password"`
}
