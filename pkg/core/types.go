package core

import "encoding/json"

// DecisionKind enumerates the answers a host may give to an approval request.
type DecisionKind string

const (
	DecisionAccept                        DecisionKind = "accept"
	DecisionAcceptForSession              DecisionKind = "acceptForSession"
	DecisionAcceptWithExecpolicyAmendment DecisionKind = "acceptWithExecpolicyAmendment"
	DecisionDecline                       DecisionKind = "decline"
	DecisionCancel                        DecisionKind = "cancel"
)

// ExecPolicyAmendment is the command prefix the app-server should persist in
// its allow-list. The bridge carries it opaquely.
type ExecPolicyAmendment struct {
	Command []string `json:"command"`
}

// Decision is one approval answer. Amendment is set only for
// DecisionAcceptWithExecpolicyAmendment.
type Decision struct {
	Kind      DecisionKind
	Amendment *ExecPolicyAmendment
}

// MarshalJSON encodes unit kinds as bare strings and the amendment kind as a
// single-key object, the shape the app-server expects.
func (d Decision) MarshalJSON() ([]byte, error) {
	if d.Kind != DecisionAcceptWithExecpolicyAmendment {
		return json.Marshal(string(d.Kind))
	}
	return json.Marshal(map[string]any{
		string(d.Kind): map[string]any{"execpolicy_amendment": d.Amendment},
	})
}

// UnmarshalJSON accepts both encodings produced by MarshalJSON.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		parsed, err := ParseDecision(kind, nil)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	var tagged map[string]struct {
		Amendment *ExecPolicyAmendment `json:"execpolicy_amendment"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return ErrInvalidDecision
	}
	for k, v := range tagged {
		parsed, err := ParseDecision(k, v.Amendment)
		if err != nil {
			return err
		}
		*d = parsed
	}
	return nil
}

// ApprovalResponse is the result body sent back for an approval request.
type ApprovalResponse struct {
	Decision Decision `json:"decision"`
}
