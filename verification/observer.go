// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"
	"sync"
)

// Change identifies which observable field of an [IdentityVerification]
// changed.
type Change int

const (
	ChangeState Change = iota
	ChangeSupportedMethods
	ChangeSASData
	ChangeQRCode
	ChangeCancelInfo
)

func (c Change) String() string {
	switch c {
	case ChangeState:
		return "state"
	case ChangeSupportedMethods:
		return "supported_methods"
	case ChangeSASData:
		return "sas_data"
	case ChangeQRCode:
		return "qr_code"
	case ChangeCancelInfo:
		return "cancel_info"
	default:
		return fmt.Sprintf("Change(%d)", int(c))
	}
}

// emitter is a minimal typed callback list. Callbacks run on the goroutine
// that fires the event, one at a time.
type emitter[T any] struct {
	lock      sync.Mutex
	nextID    uint64
	observers map[uint64]func(T)
}

func (e *emitter[T]) add(fn func(T)) (remove func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.observers == nil {
		e.observers = make(map[uint64]func(T))
	}
	observerID := e.nextID
	e.nextID++
	e.observers[observerID] = fn
	return func() {
		e.lock.Lock()
		defer e.lock.Unlock()
		delete(e.observers, observerID)
	}
}

func (e *emitter[T]) fire(value T) {
	e.lock.Lock()
	observers := make([]func(T), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.lock.Unlock()
	for _, fn := range observers {
		fn(value)
	}
}
