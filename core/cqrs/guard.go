package cqrs

import (
	"errors"
	"fmt"
	"strings"
)

// Cond is a named precondition checked by Guard.
type Cond struct {
	name string
	ok   func() bool
}

func True(v bool, name string) Cond  { return Cond{name: name, ok: func() bool { return v }} }
func False(v bool, name string) Cond { return Cond{name: "not " + name, ok: func() bool { return !v }} }

func Not(c Cond) Cond {
	return Cond{name: "not(" + c.name + ")", ok: func() bool { return !c.ok() }}
}

// All holds when every cond holds.
func All(cs ...Cond) Cond {
	names := make([]string, 0, len(cs))
	for _, c := range cs {
		names = append(names, c.name)
	}
	return Cond{name: strings.Join(names, " and "), ok: func() bool {
		for _, c := range cs {
			if !c.ok() {
				return false
			}
		}
		return true
	}}
}

func (c Cond) String() string { return c.name }

// Guard returns an error naming every failed condition, or nil. Handle
// implementations return it to reject a command:
//
//	if err := cqrs.Guard(cqrs.True(a.Open, "account open")); err != nil {
//	    return nil, err
//	}
func Guard(conds ...Cond) error {
	var errs []error
	for _, c := range conds {
		if !c.ok() {
			errs = append(errs, fmt.Errorf("precondition failed: %s", c.name))
		}
	}
	return errors.Join(errs...)
}
