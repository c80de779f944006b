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

package pmm

import "fmt"

var (
	ErrFailedOption  = fmt.Errorf("pmm: failed to apply option")
	ErrInvalidOrder  = fmt.Errorf("pmm: invalid order")
	ErrInvalidPFN    = fmt.Errorf("pmm: invalid page frame number")
	ErrInvalidAddr   = fmt.Errorf("pmm: invalid address")
	ErrInvalidState  = fmt.Errorf("pmm: invalid frame state")
	ErrNoMem         = fmt.Errorf("pmm: out of memory")
	ErrInternalError = fmt.Errorf("pmm: internal error")
)
