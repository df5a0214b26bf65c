package models

import "errors"

type Status string

const (
	StatusApplied          Status = "applied"
	StatusSelected         Status = "selected"
	StatusContractSent     Status = "contract_sent"
	StatusSignedCandidate  Status = "contract_signed_candidate"
	StatusSignedPro        Status = "contract_signed_pro"
	StatusRejected         Status = "rejected"
)

// pipelineOrder lists the statuses an application walks through when nothing
// goes wrong. Rejection can interrupt the pipeline at any point.
var pipelineOrder = []Status{
	StatusApplied,
	StatusSelected,
	StatusContractSent,
	StatusSignedCandidate,
	StatusSignedPro,
}

func ToStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusApplied, StatusSelected, StatusContractSent,
		StatusSignedCandidate, StatusSignedPro, StatusRejected:
		return Status(s), nil
	default:
		return "", errors.New("invalid application status")
	}
}

// Next returns the single legal successor in pipeline order. The second
// return value is false for the two terminal statuses.
func (s Status) Next() (Status, bool) {
	for i, status := range pipelineOrder {
		if status == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

func (s Status) IsTerminal() bool {
	return s == StatusSignedPro || s == StatusRejected
}

// IsReadOnlyMessaging reports whether the messaging thread for an application
// in this status no longer accepts writes. A rejection is final: messaging is
// never re-opened even if the row is later touched again.
func (s Status) IsReadOnlyMessaging() bool {
	return s == StatusRejected
}

// IsLegalSuccessor reports whether next may directly follow s. Rejection is
// reachable from every non-terminal status.
func (s Status) IsLegalSuccessor(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusRejected {
		return true
	}
	expected, ok := s.Next()
	return ok && expected == next
}
