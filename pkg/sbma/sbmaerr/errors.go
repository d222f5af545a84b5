// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sbmaerr classifies every error sbma can return into one of
// the four kinds the engine's retry and propagation logic branches on:
// transient, resource, programmer and fatal.
package sbmaerr

import (
	"github.com/pkg/errors"
)

// Kind is the coarse class an error belongs to.
type Kind int

const (
	// Transient errors are recovered internally by retry loops
	// (admission unavailable, an interrupted syscall).
	Transient Kind = iota
	// Resource errors surface I/O or mapping failures to the caller;
	// library state is rolled back to pre-call.
	Resource
	// Programmer errors indicate caller misuse: address not inside any
	// ATE, overlapping/malformed range, double free.
	Programmer
	// Fatal errors indicate an internal consistency-check violation.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Resource:
		return "resource"
	case Programmer:
		return "programmer"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors. Use errors.Is against these, or Classify to recover
// the Kind of an arbitrary wrapped error produced by this package.
var (
	// ErrTransient is the cause wrapped by every transient error.
	ErrTransient = errors.New("transient failure")
	// ErrNotAllocated means addr does not fall inside any live ATE.
	ErrNotAllocated = errors.New("address not allocated")
	// ErrOverlap means a requested page range is malformed or runs
	// past the end of its allocation.
	ErrOverlap = errors.New("malformed or overlapping range")
	// ErrDoubleFree means Free was called twice on the same pointer.
	ErrDoubleFree = errors.New("double free")
	// ErrInvariant is the cause wrapped by every fatal, check-mode
	// invariant violation.
	ErrInvariant = errors.New("invariant violation")
	// ErrNoPeer names the case where no eligible, populated peer is
	// left to draft memory from. Madmit reports that case with
	// ErrTransient; nothing in this module returns ErrNoPeer.
	ErrNoPeer = errors.New("no eligible peer to evict")
)

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Cause() error  { return c.err }
func (c *classified) Unwrap() error { return c.err }

// Wrap tags err with kind and a formatted message, in the manner of
// errors.Wrapf, and returns a new error whose Kind() is kind.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// New creates a fresh error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &classified{kind: kind, err: errors.Errorf(format, args...)}
}

// Classify reports the Kind of err, walking wrapped causes. Errors not
// produced by this package are reported as Resource, since they are
// assumed to originate from an uninspected syscall or I/O failure.
func Classify(err error) Kind {
	for e := err; e != nil; {
		if c, ok := e.(*classified); ok {
			return c.kind
		}
		cause := errors.Unwrap(e)
		if cause == nil {
			break
		}
		e = cause
	}
	return Resource
}

// IsTransient reports whether err (or a cause in its chain) is a
// transient failure that the caller should retry.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}
