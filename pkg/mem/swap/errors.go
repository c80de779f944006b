// Copyright The kmemsim Authors. All Rights Reserved.
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

package swap

import "fmt"

var (
	// ErrFailedOption is returned for failed options.
	ErrFailedOption = fmt.Errorf("swap: failed to apply option")
	// ErrInvalidArgument is returned for invalid entries, sizes or buffers.
	ErrInvalidArgument = fmt.Errorf("swap: invalid argument")
	// ErrInvalidState is returned for double frees and re-swapped pages.
	ErrInvalidState = fmt.Errorf("swap: invalid state")
	// ErrNoSwap is returned when no area has a free slot left.
	ErrNoSwap = fmt.Errorf("swap: out of swap space")
	// ErrNoMem is returned when no physical page is available for swap-in.
	ErrNoMem = fmt.Errorf("swap: out of memory")
	// ErrBusy is returned when removing an area with occupied slots.
	ErrBusy = fmt.Errorf("swap: area busy")
	// ErrIO is returned for backing-store read or write failures. The
	// slot's contents are indeterminate after an ErrIO and must be
	// rewritten before reuse.
	ErrIO = fmt.Errorf("swap: I/O error")
	// ErrFault is returned when a virtual address has no mapping or no
	// covering VMA.
	ErrFault = fmt.Errorf("swap: address fault")
	// ErrAgain is returned when eviction is deferred in favor of a
	// lower-priority victim. The caller should retry with that victim.
	ErrAgain = fmt.Errorf("swap: try lower-priority victim")
)
