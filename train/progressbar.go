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

package train

import (
	"fmt"
	"time"

	"github.com/gomlx/pretrain/distributed"
	"github.com/gomlx/pretrain/train/optimizers"
	"github.com/schollz/progressbar/v3"
)

// RefreshPeriod is the time between terminal updates of the progress bar.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
}

func (pBar *progressBar) onStart(loop *Loop, _ Dataset) error {
	pBar.lastStepReported = loop.LoopStep
	if loop.EndStep < 0 {
		pBar.numSteps = 1000 // Guess for now.
	} else {
		pBar.numSteps = loop.EndStep - loop.StartStep
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *Loop, loss float64, outcome optimizers.Outcome) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	// EndStep may have been adjusted after the first epoch.
	if loop.EndStep >= 0 && loop.EndStep-loop.StartStep != pBar.numSteps {
		pBar.numSteps = loop.EndStep - loop.StartStep
		pBar.bar.ChangeMax(pBar.numSteps)
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	pBar.lastStepReported = loop.LoopStep + 1
	updater := loop.Trainer.Updater()
	pBar.bar.Describe(fmt.Sprintf("step %d, loss=%.4f: ", updater.GlobalStep(), loss))
	return pBar.bar.Add(amount)
}

func (pBar *progressBar) onEnd(loop *Loop, loss float64) error {
	if pBar.bar == nil {
		return nil
	}
	_ = pBar.onStep(loop, loss, optimizers.Applied)
	err := pBar.bar.Finish()
	fmt.Println()
	return err
}

// AttachProgressBar attaches a terminal progress bar to the loop, updated
// every RefreshPeriod. Only the coordinator displays it, other ranks stay
// silent.
func AttachProgressBar(loop *Loop, dctx *distributed.Context) {
	if !dctx.IsCoordinator() {
		return
	}
	pBar := &progressBar{}
	loop.OnStart("progressbar", 0, pBar.onStart)
	PeriodicCallback(loop, RefreshPeriod, false, "progressbar", 0, pBar.onStep)
	loop.OnEnd("progressbar", 0, pBar.onEnd)
}
