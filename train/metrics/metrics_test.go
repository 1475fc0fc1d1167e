/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	m := NewMeanLoss()
	assert.Equal(t, "loss", m.ShortName())
	assert.Equal(t, 0.0, m.Value(), "empty accumulator")

	m.Update(2.0, 1)
	m.Update(4.0, 3)
	assert.InDelta(t, 3.5, m.Value(), 1e-12) // (2 + 12) / 4

	m.Reset()
	assert.Equal(t, 0.0, m.Value())
	m.Update(7.0, 2)
	assert.InDelta(t, 7.0, m.Value(), 1e-12)
}
