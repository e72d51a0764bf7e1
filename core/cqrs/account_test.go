package cqrs

import (
	"context"
	"errors"
	"fmt"

	"github.com/codewandler/eventrepo/core/es"
)

type (
	accountCmd interface{ isAccountCmd() }

	openAccount struct{ Owner string }
	deposit     struct{ Cents int64 }
	withdraw    struct{ Cents int64 }

	accountOpened struct {
		Owner string `json:"owner"`
	}
	deposited struct {
		Cents int64 `json:"cents"`
	}
	withdrawn struct {
		Cents int64 `json:"cents"`
	}

	account struct {
		Owner   string `json:"owner"`
		Open    bool   `json:"open"`
		Balance int64  `json:"balance"`
		Events  int    `json:"events"`
	}
)

func (openAccount) isAccountCmd() {}
func (deposit) isAccountCmd()     {}
func (withdraw) isAccountCmd()    {}

func (*accountOpened) EventType() string { return "account_opened" }
func (*deposited) EventType() string     { return "deposited" }
func (*withdrawn) EventType() string     { return "withdrawn" }

func accountRegistry() *es.EventRegistry {
	return es.NewEventRegistry().Register(
		es.Event[accountOpened](),
		es.Event[deposited](),
		es.Event[withdrawn](),
	)
}

func newAccount() *account { return &account{} }

func (a *account) AggregateType() string { return "account" }

func (a *account) Handle(_ context.Context, cmd accountCmd) ([]any, error) {
	switch c := cmd.(type) {
	case openAccount:
		if err := Guard(False(a.Open, "account open")); err != nil {
			return nil, err
		}
		return []any{&accountOpened{Owner: c.Owner}}, nil
	case deposit:
		if err := Guard(True(a.Open, "account open"), True(c.Cents > 0, "positive amount")); err != nil {
			return nil, err
		}
		return []any{&deposited{Cents: c.Cents}}, nil
	case withdraw:
		if c.Cents > a.Balance {
			return nil, errors.New("insufficient funds")
		}
		return []any{&withdrawn{Cents: c.Cents}}, nil
	}
	return nil, fmt.Errorf("unknown command %T", cmd)
}

func (a *account) Apply(event any) error {
	switch e := event.(type) {
	case *accountOpened:
		a.Owner, a.Open = e.Owner, true
	case *deposited:
		a.Balance += e.Cents
	case *withdrawn:
		a.Balance -= e.Cents
	default:
		return fmt.Errorf("unknown event %T", event)
	}
	a.Events++
	return nil
}

var _ Aggregate[accountCmd] = (*account)(nil)
