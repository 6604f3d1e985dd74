package config

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"histflow/models"
)

// Credentials is the loaded broker credential table. Profiles keep the
// column order of the source table.
type Credentials struct {
	Profiles []models.BrokerProfile
	Skipped  []*models.ConfigError
}

// Lookup finds a profile by broker name, ignoring case.
func (c *Credentials) Lookup(name string) (models.BrokerProfile, bool) {
	for _, p := range c.Profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return models.BrokerProfile{}, false
}

const (
	fieldUser     = "user"
	fieldPassword = "password"
	fieldInvestor = "investor"
	fieldServer   = "server"
)

var labelAliases = map[string]string{
	"user":     fieldUser,
	"login":    fieldUser,
	"password": fieldPassword,
	"investor": fieldInvestor,
	"server":   fieldServer,
}

// LoadCredentialsFile reads a credential table from disk.
func LoadCredentialsFile(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()
	return LoadCredentials(f)
}

// LoadCredentials parses a credential table whose header row names the
// brokers and whose first column labels each row (user, password, investor,
// server). Brokers missing user, password or server are reported in Skipped
// instead of failing the load.
func LoadCredentials(r io.Reader) (*Credentials, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("credentials table is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("credentials table has no broker columns")
	}

	brokers := make([]string, 0, len(header)-1)
	seen := make(map[string]bool, len(header)-1)
	for i, cell := range header[1:] {
		name := strings.TrimSpace(cell)
		if name == "" {
			return nil, fmt.Errorf("credentials column %d has an empty broker name", i+2)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("duplicate broker %q in credentials table", name)
		}
		seen[key] = true
		brokers = append(brokers, name)
	}

	values := make([]map[string]string, len(brokers))
	for i := range values {
		values[i] = make(map[string]string, 4)
	}

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials row: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		field, ok := labelAliases[strings.ToLower(strings.TrimSpace(row[0]))]
		if !ok {
			continue
		}
		for i := range brokers {
			if i+1 < len(row) {
				values[i][field] = strings.TrimSpace(row[i+1])
			}
		}
	}

	creds := &Credentials{}
	for i, name := range brokers {
		v := values[i]
		var missing []string
		for _, f := range []string{fieldUser, fieldPassword, fieldServer} {
			if v[f] == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			creds.Skipped = append(creds.Skipped, &models.ConfigError{Broker: name, Missing: missing})
			continue
		}
		creds.Profiles = append(creds.Profiles, models.BrokerProfile{
			Name:             name,
			Login:            v[fieldUser],
			Password:         v[fieldPassword],
			Server:           v[fieldServer],
			InvestorPassword: v[fieldInvestor],
		})
	}
	return creds, nil
}
