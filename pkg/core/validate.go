package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDecision indicates a decision kind outside the closed set.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrMissingAmendment indicates acceptWithExecpolicyAmendment without a command.
	ErrMissingAmendment = errors.New("missing execpolicy amendment")
)

// ParseDecision validates kind and builds a Decision. The amendment is
// required for acceptWithExecpolicyAmendment and ignored otherwise.
func ParseDecision(kind string, amendment *ExecPolicyAmendment) (Decision, error) {
	switch DecisionKind(kind) {
	case DecisionAccept, DecisionAcceptForSession, DecisionDecline, DecisionCancel:
		return Decision{Kind: DecisionKind(kind)}, nil
	case DecisionAcceptWithExecpolicyAmendment:
		if err := validateAmendment(amendment); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionAcceptWithExecpolicyAmendment, Amendment: amendment}, nil
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidDecision, kind)
	}
}

func validateAmendment(a *ExecPolicyAmendment) error {
	if a == nil || len(a.Command) == 0 {
		return ErrMissingAmendment
	}
	for _, part := range a.Command {
		if strings.TrimSpace(part) == "" {
			return fmt.Errorf("%w: empty command element", ErrMissingAmendment)
		}
	}
	return nil
}

// Approves reports whether the decision lets the action run.
func (d Decision) Approves() bool {
	switch d.Kind {
	case DecisionAccept, DecisionAcceptForSession, DecisionAcceptWithExecpolicyAmendment:
		return true
	}
	return false
}
