package model

// RelayTarget is one mail exchanger of a destination domain. Lower Priority is preferred.
type RelayTarget struct {
	Domain   string   `json:"domain"`
	Priority uint16   `json:"priority"`
	Host     string   `json:"host"`
	IPv4     []string `json:"ipv4"`
	IPv6     []string `json:"ipv6"`
}

// SmtpConfig describes an explicit SMTP transport: a smarthost, a provider relay or a config under verification.
type SmtpConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     uint16 `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	// Tls is TlsStartTls, TlsImplicit or TlsNone.
	Tls string `json:"tls,omitempty" yaml:"tls"`
}

const (
	TlsStartTls = "starttls"
	TlsImplicit = "implicit"
	TlsNone     = "none"
)
