// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"time"

	"github.com/fuzzbee/fuzzbee/pkg/stat"
)

type stats struct {
	execs    *stat.Val
	newPaths *stat.Val
	crashes  *stat.Val
	hangs    *stat.Val
	execTime *stat.Val
	avgTime  stat.AverageValue[time.Duration]
}

func newStats() *stats {
	s := new(stats)
	s.execs = stat.New("exec total", "Total test program executions",
		stat.Rate{}, stat.Prometheus("fuzzbee_exec_total"))
	s.newPaths = stat.New("new paths", "Executions that discovered new coverage",
		stat.Prometheus("fuzzbee_new_paths"))
	s.crashes = stat.New("crashes", "Executions that ended with a signal",
		stat.Prometheus("fuzzbee_crashes"))
	s.hangs = stat.New("hangs", "Executions killed on timeout",
		stat.Prometheus("fuzzbee_hangs"))
	s.execTime = stat.New("exec time", "Test program execution time (us)",
		stat.Distribution{})
	stat.New("exec time avg", "Average test program execution time (us)",
		func() int { return int(s.avgTime.Value().Microseconds()) })
	return s
}
