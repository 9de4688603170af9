package protocol

import (
	"fmt"
	"strings"
)

// IsValidChainID reports whether chain is a CAIP-2 identifier of the
// form "namespace:reference".
func IsValidChainID(chain string) bool {
	parts := strings.Split(chain, ":")
	if len(parts) != 2 {
		return false
	}
	return validNamespaceKey(parts[0]) && validReference(parts[1])
}

// IsValidAccountID reports whether account is a CAIP-10 identifier of
// the form "namespace:reference:address".
func IsValidAccountID(account string) bool {
	parts := strings.Split(account, ":")
	if len(parts) != 3 {
		return false
	}
	return validNamespaceKey(parts[0]) && validReference(parts[1]) && len(parts[2]) > 0
}

// ChainFromAccount extracts the CAIP-2 chain from a CAIP-10 account.
func ChainFromAccount(account string) string {
	idx := strings.LastIndex(account, ":")
	if idx < 0 {
		return ""
	}
	return account[:idx]
}

func validNamespaceKey(s string) bool {
	if len(s) < 3 || len(s) > 8 {
		return false
	}
	for _, r := range s {
		if !(r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func validReference(s string) bool {
	if len(s) < 1 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		ok := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// ValidateProposalNamespaces checks that a proposal namespace map is
// well formed: every chain is CAIP-2 and belongs under its map key. Keys
// may themselves be CAIP-2 identifiers, in which case the chains list
// must be empty.
func ValidateProposalNamespaces(namespaces ProposalNamespaces) error {
	for key, ns := range namespaces {
		if strings.Contains(key, ":") {
			if !IsValidChainID(key) {
				return fmt.Errorf("%w: namespace key %q is not a valid chain id", ErrInvalidParams, key)
			}
			if len(ns.Chains) > 0 {
				return fmt.Errorf("%w: namespace %q is chain-indexed but lists chains", ErrInvalidParams, key)
			}
			continue
		}
		if !validNamespaceKey(key) {
			return fmt.Errorf("%w: invalid namespace key %q", ErrInvalidParams, key)
		}
		if len(ns.Chains) == 0 {
			return fmt.Errorf("%w: namespace %q lists no chains", ErrInvalidParams, key)
		}
		for _, chain := range ns.Chains {
			if !IsValidChainID(chain) {
				return fmt.Errorf("%w: invalid chain %q in namespace %q", ErrInvalidParams, chain, key)
			}
			if !strings.HasPrefix(chain, key+":") {
				return fmt.Errorf("%w: chain %q does not belong to namespace %q", ErrInvalidParams, chain, key)
			}
		}
	}
	return nil
}

// RequiredChains lists the chains a proposal namespace entry covers,
// accounting for chain-indexed keys.
func RequiredChains(key string, ns ProposalNamespace) []string {
	if strings.Contains(key, ":") {
		return []string{key}
	}
	return ns.Chains
}

// approvedChains collects every chain an approved namespace grants,
// whether declared explicitly or implied by its accounts.
func approvedChains(key string, ns Namespace) map[string]bool {
	chains := make(map[string]bool, len(ns.Chains)+len(ns.Accounts))
	if strings.Contains(key, ":") {
		chains[key] = true
	}
	for _, c := range ns.Chains {
		chains[c] = true
	}
	for _, a := range ns.Accounts {
		if c := ChainFromAccount(a); c != "" {
			chains[c] = true
		}
	}
	return chains
}

// ValidateApprovedNamespaces checks that approved namespaces are well
// formed and form a superset of the required namespaces: every required
// chain has at least one account, and every required method and event
// is granted.
func ValidateApprovedNamespaces(required ProposalNamespaces, approved Namespaces) error {
	for key, ns := range approved {
		for _, account := range ns.Accounts {
			if !IsValidAccountID(account) {
				return fmt.Errorf("%w: invalid account %q in namespace %q", ErrInvalidParams, account, key)
			}
			chain := ChainFromAccount(account)
			if strings.Contains(key, ":") {
				if chain != key {
					return fmt.Errorf("%w: account %q does not belong to namespace %q", ErrInvalidParams, account, key)
				}
			} else if !strings.HasPrefix(chain, key+":") {
				return fmt.Errorf("%w: account %q does not belong to namespace %q", ErrInvalidParams, account, key)
			}
		}
	}

	for key, req := range required {
		app, err := matchApproved(key, approved)
		if err != nil {
			return err
		}
		chains := approvedChains(key, app)
		accountChains := make(map[string]bool, len(app.Accounts))
		for _, a := range app.Accounts {
			accountChains[ChainFromAccount(a)] = true
		}
		for _, chain := range RequiredChains(key, req) {
			if !chains[chain] {
				return fmt.Errorf("%w: chain %q not approved", ErrNamespaceMismatch, chain)
			}
			if !accountChains[chain] {
				return fmt.Errorf("%w: no account for chain %q", ErrNamespaceMismatch, chain)
			}
		}
		if missing := missingFrom(req.Methods, app.Methods); missing != "" {
			return fmt.Errorf("%w: method %q not approved for namespace %q", ErrNamespaceMismatch, missing, key)
		}
		if missing := missingFrom(req.Events, app.Events); missing != "" {
			return fmt.Errorf("%w: event %q not approved for namespace %q", ErrNamespaceMismatch, missing, key)
		}
	}
	return nil
}

// matchApproved resolves the approved namespace satisfying a required
// key. A chain-indexed required key may be satisfied by its chain
// family's entry.
func matchApproved(key string, approved Namespaces) (Namespace, error) {
	if ns, ok := approved[key]; ok {
		return ns, nil
	}
	if idx := strings.Index(key, ":"); idx > 0 {
		if ns, ok := approved[key[:idx]]; ok {
			return ns, nil
		}
	}
	return Namespace{}, fmt.Errorf("%w: namespace %q not approved", ErrNamespaceMismatch, key)
}

func missingFrom(required, granted []string) string {
	set := make(map[string]bool, len(granted))
	for _, g := range granted {
		set[g] = true
	}
	for _, r := range required {
		if !set[r] {
			return r
		}
	}
	return ""
}

// MergeRequiredIntoOptional folds required namespaces into the optional
// map without mutating either input. Proposals go out with the merged
// map so a wallet sees one superset to approve from.
func MergeRequiredIntoOptional(required, optional ProposalNamespaces) ProposalNamespaces {
	merged := make(ProposalNamespaces, len(required)+len(optional))
	for k, v := range optional {
		merged[k] = v
	}
	for k, v := range required {
		if existing, ok := merged[k]; ok {
			merged[k] = ProposalNamespace{
				Chains:  unionOrdered(existing.Chains, v.Chains),
				Methods: unionOrdered(existing.Methods, v.Methods),
				Events:  unionOrdered(existing.Events, v.Events),
			}
			continue
		}
		merged[k] = v
	}
	return merged
}

func unionOrdered(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
