package models

import "errors"

type VariationStatus string

const (
	VariationStatusDraft    VariationStatus = "Draft"
	VariationStatusPending  VariationStatus = "Pending"
	VariationStatusApplied  VariationStatus = "Applied"
	VariationStatusRejected VariationStatus = "Rejected"
)

func (s VariationStatus) Valid() bool {
	switch s {
	case VariationStatusDraft, VariationStatusPending, VariationStatusApplied, VariationStatusRejected:
		return true
	}
	return false
}

func ParseVariationStatus(str string) (VariationStatus, error) {
	s := VariationStatus(str)
	if !s.Valid() {
		return "", errors.New("invalid variation status")
	}
	return s, nil
}
