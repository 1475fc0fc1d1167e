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

package summary

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

// Report renders a table with the latest value of each metric seen in points,
// for the end-of-training report.
func Report(points []Point) string {
	type latest struct {
		point Point
		order int
	}
	latestByName := make(map[string]latest)
	for idx, point := range points {
		prev, found := latestByName[point.MetricName]
		if !found || point.Step >= prev.point.Step {
			order := idx
			if found {
				order = prev.order
			}
			latestByName[point.MetricName] = latest{point: point, order: order}
		}
	}
	names := make([]string, 0, len(latestByName))
	for name := range latestByName {
		names = append(names, name)
	}
	// Keep first-seen order, so loss comes before validation metrics.
	sort.Slice(names, func(i, j int) bool {
		return latestByName[names[i]].order < latestByName[names[j]].order
	})

	table := newPlainTable(lipgloss.Left, lipgloss.Right, lipgloss.Right)
	table.Headers("Metric", "Step", "Value")
	for _, name := range names {
		point := latestByName[name].point
		table.Row(name, fmt.Sprintf("%.0f", point.Step), fmt.Sprintf("%.6g", point.Value))
	}
	return table.Render()
}
