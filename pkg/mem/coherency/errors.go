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

package coherency

import "fmt"

var (
	ErrInvalidProtocol   = fmt.Errorf("coherency: invalid protocol")
	ErrInvalidCPU        = fmt.Errorf("coherency: invalid CPU")
	ErrInvalidTransition = fmt.Errorf("coherency: invalid state transition")
)
