package storage

import (
	"fmt"

	"mediastorage-proxy/pkg/config"
)

// Checker decides whether enough groups confirmed a write.
type Checker interface {
	// Satisfied reports whether good confirmations out of requested
	// groups meet the policy.
	Satisfied(good, requested int) bool
	String() string
}

type checkerAll struct{}

func (checkerAll) Satisfied(good, requested int) bool { return good == requested }
func (checkerAll) String() string                     { return config.CopiesAll }

type checkerQuorum struct{}

func (checkerQuorum) Satisfied(good, requested int) bool { return 2*good > requested }
func (checkerQuorum) String() string                     { return config.CopiesQuorum }

type checkerAny struct{}

func (checkerAny) Satisfied(good, requested int) bool { return good >= 1 }
func (checkerAny) String() string                     { return config.CopiesAny }

// CheckerFor maps a success-copies-num policy to its checker.
func CheckerFor(policy string) (Checker, error) {
	switch policy {
	case config.CopiesAll:
		return checkerAll{}, nil
	case config.CopiesQuorum:
		return checkerQuorum{}, nil
	case config.CopiesAny:
		return checkerAny{}, nil
	default:
		return nil, fmt.Errorf("unknown success-copies-num %q", policy)
	}
}
