package models

// BrokerProfile holds the credentials of one broker account. Profiles are
// created once from the credential table and never mutated.
type BrokerProfile struct {
	Name             string
	Login            string
	Password         string
	Server           string
	InvestorPassword string
}

// HasInvestor reports whether the optional investor password is set.
func (p BrokerProfile) HasInvestor() bool {
	return p.InvestorPassword != ""
}

// String never prints secrets.
func (p BrokerProfile) String() string {
	return p.Name + "@" + p.Server
}
