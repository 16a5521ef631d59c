package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

type groupSpec struct {
	Name     string   `yaml:"name"`
	Accounts []string `yaml:"accounts"`
}

// LoadGroups reads a groups file. YAML and JSON are both accepted:
//
//	- name: treasury
//	  accounts: [9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin]
func LoadGroups(path string) ([]ledger.Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read groups file: %w", ErrInvalidConfig, err)
	}
	return ParseGroups(data)
}

// ParseGroups decodes and validates a groups document.
func ParseGroups(data []byte) ([]ledger.Group, error) {
	var specs []groupSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("%w: decode groups: %w", ErrInvalidConfig, err)
	}

	groups := make([]ledger.Group, 0, len(specs))
	for _, s := range specs {
		accounts := make([]string, len(s.Accounts))
		for i, a := range s.Accounts {
			accounts[i] = strings.TrimSpace(a)
		}
		groups = append(groups, ledger.Group{Name: strings.TrimSpace(s.Name), Accounts: accounts})
	}

	if err := ValidateGroups(groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// ValidateGroups requires at least one group, unique non-empty group names,
// at least one account per group, valid base58 public keys and no account
// listed twice anywhere.
func ValidateGroups(groups []ledger.Group) error {
	if len(groups) == 0 {
		return fmt.Errorf("%w: no groups defined", ErrInvalidConfig)
	}

	names := make(map[string]bool, len(groups))
	owner := make(map[string]string)
	for i, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group %d has no name", ErrInvalidConfig, i+1)
		}
		if names[g.Name] {
			return fmt.Errorf("%w: group %q defined twice", ErrInvalidConfig, g.Name)
		}
		names[g.Name] = true

		if len(g.Accounts) == 0 {
			return fmt.Errorf("%w: group %q has no accounts", ErrInvalidConfig, g.Name)
		}
		for _, addr := range g.Accounts {
			if _, err := solana.PublicKeyFromBase58(addr); err != nil {
				return fmt.Errorf("%w: group %q: account %q: %w", ErrInvalidConfig, g.Name, addr, err)
			}
			if prev, ok := owner[addr]; ok {
				return fmt.Errorf("%w: account %s listed in group %q and %q", ErrInvalidConfig, addr, prev, g.Name)
			}
			owner[addr] = g.Name
		}
	}
	return nil
}
