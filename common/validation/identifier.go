package validation

import (
	"strings"

	"github.com/anthive/orchestrator/common/faults"
)

// Kind selects the rule set for an identifier. Every identifier that flows
// into a filename, environment variable, or subprocess argument must pass
// Validate for its kind first.
type Kind string

const (
	KindNode      Kind = "node"
	KindWorkflow  Kind = "workflow"
	KindRun       Kind = "run"
	KindAgent     Kind = "agent"
	KindAgentType Kind = "agent_type"
	KindFilename  Kind = "filename"
	KindTenant    Kind = "tenant"
	KindJob       Kind = "job"
)

const (
	maxLength          = 100
	maxAgentTypeLength = 50
	maxExtLength       = 10
)

// Validate checks value against the rules for kind and returns it
// unchanged on success. Failures name the offending character and carry
// the validation error kind.
func Validate(value string, kind Kind) (string, error) {
	if value == "" {
		return "", faults.Validation("%s identifier is empty", kind)
	}

	switch kind {
	case KindAgentType:
		return validateAgentType(value)
	case KindFilename:
		return validateFilename(value)
	default:
		return validateIdentifier(value, kind)
	}
}

// Assert re-checks value at a deep boundary (env assembly, subprocess
// argument, blob path join). A failure here means a caller skipped ingress
// validation and is reported as a security fault.
func Assert(value string, kind Kind) error {
	if _, err := Validate(value, kind); err != nil {
		return faults.Security("unvalidated %s identifier %q reached a protected boundary", kind, value)
	}
	return nil
}

func validateIdentifier(value string, kind Kind) (string, error) {
	if value == "" {
		return "", faults.Validation("%s identifier is empty", kind)
	}
	if len(value) > maxLength {
		return "", faults.Validation("%s identifier exceeds %d characters (got %d)", kind, maxLength, len(value))
	}

	for i := 0; i < len(value); i++ {
		c := value[i]
		if isAlphanumeric(c) {
			continue
		}
		if c == '-' || c == '_' {
			if i == 0 || i == len(value)-1 {
				return "", faults.Validation("%s identifier must not start or end with %q", kind, string(c))
			}
			continue
		}
		return "", faults.Validation("%s identifier contains forbidden character %q at position %d", kind, string(c), i)
	}

	return value, nil
}

func validateAgentType(value string) (string, error) {
	if len(value) > maxAgentTypeLength {
		return "", faults.Validation("agent_type exceeds %d characters (got %d)", maxAgentTypeLength, len(value))
	}

	for i := 0; i < len(value); i++ {
		c := value[i]
		if isAlphanumeric(c) {
			continue
		}
		if c == ' ' || c == '-' || c == '_' {
			if i == 0 || i == len(value)-1 {
				return "", faults.Validation("agent_type must not start or end with %q", string(c))
			}
			continue
		}
		return "", faults.Validation("agent_type contains forbidden character %q at position %d", string(c), i)
	}

	return value, nil
}

func validateFilename(value string) (string, error) {
	name := value
	if dot := strings.LastIndexByte(value, '.'); dot >= 0 {
		ext := value[dot+1:]
		if len(ext) == 0 || len(ext) > maxExtLength {
			return "", faults.Validation("filename extension must be 1-%d characters (got %q)", maxExtLength, ext)
		}
		for i := 0; i < len(ext); i++ {
			if !isAlphanumeric(ext[i]) {
				return "", faults.Validation("filename extension contains forbidden character %q", string(ext[i]))
			}
		}
		name = value[:dot]
	}

	if _, err := validateIdentifier(name, KindFilename); err != nil {
		return "", err
	}
	return value, nil
}

func isAlphanumeric(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
