package statistics

import (
	"time"

	"github.com/range-sharding/resharder/pkg/models/rerror"
	"github.com/range-sharding/resharder/pkg/reshlog"
)

type statisticsInt struct {
	CopyTime              time.Duration
	CatchupTime           time.Duration
	DiffTime              time.Duration
	CutoverTime           time.Duration
	CopyTimeTotal         time.Duration
	CatchupTimeTotal      time.Duration
	DiffTimeTotal         time.Duration
	CutoverTimeTotal      time.Duration
	MergeTimeTotal        time.Duration
	CurrentMergeStartTime time.Time
	TotalMerges           int
	MergeInProgress       bool
}

var mergeStatistics = statisticsInt{}

type MergeStatistics struct {
	TotalTime   time.Duration
	CopyTime    time.Duration
	CatchupTime time.Duration
	DiffTime    time.Duration
	CutoverTime time.Duration
}

func RecordMergeStart(t time.Time) error {
	reshlog.Zero.Debug().Msg("merge stats: record merge start")
	mergeStatistics.MergeInProgress = true
	mergeStatistics.CopyTime = 0
	mergeStatistics.CatchupTime = 0
	mergeStatistics.DiffTime = 0
	mergeStatistics.CutoverTime = 0
	mergeStatistics.CurrentMergeStartTime = t
	return nil
}

func RecordMergeFinish(t time.Time) error {
	reshlog.Zero.Debug().Msg("merge stats: record merge finish")
	if !mergeStatistics.MergeInProgress {
		return rerror.New(rerror.RESH_UNEXPECTED, "unable to record merge finish: there's no merge in progress")
	}
	mergeStatistics.MergeInProgress = false
	mergeStatistics.CopyTimeTotal += mergeStatistics.CopyTime
	mergeStatistics.CatchupTimeTotal += mergeStatistics.CatchupTime
	mergeStatistics.DiffTimeTotal += mergeStatistics.DiffTime
	mergeStatistics.CutoverTimeTotal += mergeStatistics.CutoverTime
	mergeStatistics.MergeTimeTotal += t.Sub(mergeStatistics.CurrentMergeStartTime)
	mergeStatistics.TotalMerges++
	mergeStatistics.CopyTime = 0
	mergeStatistics.CatchupTime = 0
	mergeStatistics.DiffTime = 0
	mergeStatistics.CutoverTime = 0
	return nil
}

func RecordCopyPhase(duration time.Duration) {
	if mergeStatistics.MergeInProgress {
		mergeStatistics.CopyTime += duration
	}
}

func RecordCatchupPhase(duration time.Duration) {
	if mergeStatistics.MergeInProgress {
		mergeStatistics.CatchupTime += duration
	}
}

func RecordDiffPhase(duration time.Duration) {
	if mergeStatistics.MergeInProgress {
		mergeStatistics.DiffTime += duration
	}
}

func RecordCutoverPhase(duration time.Duration) {
	if mergeStatistics.MergeInProgress {
		mergeStatistics.CutoverTime += duration
	}
}

func GetMergeStats() *MergeStatistics {
	if mergeStatistics.TotalMerges == 0 {
		return &MergeStatistics{}
	}
	return &MergeStatistics{
		CopyTime:    mergeStatistics.CopyTimeTotal / time.Duration(mergeStatistics.TotalMerges),
		CatchupTime: mergeStatistics.CatchupTimeTotal / time.Duration(mergeStatistics.TotalMerges),
		DiffTime:    mergeStatistics.DiffTimeTotal / time.Duration(mergeStatistics.TotalMerges),
		CutoverTime: mergeStatistics.CutoverTimeTotal / time.Duration(mergeStatistics.TotalMerges),
		TotalTime:   mergeStatistics.MergeTimeTotal / time.Duration(mergeStatistics.TotalMerges),
	}
}
